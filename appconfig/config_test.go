package appconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stevecastle/retinasim/optics"
)

// TestDefaultConfig verifies default configuration values
func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.ListenAddr != ":8090" {
		t.Errorf("Default ListenAddr = %q; want %q", cfg.ListenAddr, ":8090")
	}
	if cfg.OutputFormat != "png" {
		t.Errorf("Default OutputFormat = %q; want %q", cfg.OutputFormat, "png")
	}
	if cfg.RequestTimeoutSeconds != 30 {
		t.Errorf("Default RequestTimeoutSeconds = %d; want 30", cfg.RequestTimeoutSeconds)
	}
	if cfg.JWTSecret == "" {
		t.Error("Default JWTSecret should not be empty")
	}
	if len(cfg.ResponseAliases) != 0 {
		t.Errorf("Default ResponseAliases = %v; want none", cfg.ResponseAliases)
	}
	if _, ok := cfg.Profile(""); !ok {
		t.Errorf("Default profile %q missing", cfg.DefaultProfile)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaultConfig().Validate() = %v", err)
	}
}

// TestGetSet verifies Get/Set functions for in-memory config
func TestGetSet(t *testing.T) {
	// Save original and restore after test
	original := Get()
	defer Set(original)

	testConfig := Config{
		ListenAddr: "127.0.0.1:9999",
		ChartPath:  "/charts/snellen.png",
	}
	Set(testConfig)

	retrieved := Get()
	if retrieved.ListenAddr != testConfig.ListenAddr {
		t.Errorf("Get().ListenAddr = %q; want %q", retrieved.ListenAddr, testConfig.ListenAddr)
	}
	if retrieved.ChartPath != testConfig.ChartPath {
		t.Errorf("Get().ChartPath = %q; want %q", retrieved.ChartPath, testConfig.ChartPath)
	}
}

// TestParseResponseKey verifies only the known image keys are accepted
func TestParseResponseKey(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"image_base64", false},
		{"image", false},
		{"processed_base64", false},
		{"img", true},
		{"", true},
		{"IMAGE", true},
	}
	for _, tt := range tests {
		_, err := ParseResponseKey(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseResponseKey(%q) error = %v; wantErr %v", tt.input, err, tt.wantErr)
		}
	}
}

// TestAliases verifies the canonical key is never listed as an alias
func TestAliases(t *testing.T) {
	cfg := defaultConfig()
	cfg.ResponseAliases = []string{"image_base64", "processed_base64", "image"}
	got, err := cfg.Aliases()
	if err != nil {
		t.Fatalf("Aliases() error = %v", err)
	}
	if len(got) != 2 || got[0] != KeyProcessedBase64 || got[1] != KeyImage {
		t.Errorf("Aliases() = %v; want [processed_base64 image]", got)
	}
}

// TestValidate verifies invalid settings are reported
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown alias", func(c *Config) { c.ResponseAliases = []string{"picture"} }, "responseAliases"},
		{"unknown format", func(c *Config) { c.OutputFormat = "gif" }, "output format"},
		{"missing profile", func(c *Config) { c.DefaultProfile = "nope" }, "defaultProfile"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "logFormat"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "logLevel"},
		{"negative concurrency", func(c *Config) { c.MaxConcurrent = -1 }, "maxConcurrent"},
		{"zero timeout", func(c *Config) { c.RequestTimeoutSeconds = 0 }, "requestTimeoutSeconds"},
		{"auth without secret", func(c *Config) { c.RequireAuth = true; c.JWTSecret = "" }, "jwtSecret"},
		{"broken profile", func(c *Config) {
			p := c.Profiles["standard"]
			p.ViewingDistanceM = -1
			c.Profiles["standard"] = p
		}, "viewing distance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v; want error mentioning %q", err, tt.want)
			}
		})
	}
}

// TestLoadFromCreatesDefaults verifies a missing file is created with defaults
func TestLoadFromCreatesDefaults(t *testing.T) {
	original := Get()
	defer Set(original)

	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg, gotPath, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if gotPath != path {
		t.Errorf("LoadFrom() path = %q; want %q", gotPath, path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not created: %v", err)
	}
	if len(cfg.Profiles) != 2 {
		t.Errorf("profiles = %v; want standard and soft", cfg.ProfileNames())
	}
	if Get().JWTSecret != cfg.JWTSecret {
		t.Error("LoadFrom() did not update the in-memory config")
	}
}

// TestLoadFromFillsMissing verifies partial files are completed and saved
func TestLoadFromFillsMissing(t *testing.T) {
	original := Get()
	defer Set(original)

	path := filepath.Join(t.TempDir(), "config.json")
	partial := `{
		"listenAddr": ":9000",
		"responseAliases": ["image"],
		"defaultProfile": "clinic",
		"profiles": {
			"clinic": {"viewingDistanceM": 3, "kernelShape": "gaussian"}
		},
		"customKey": {"keep": true}
	}`
	if err := os.WriteFile(path, []byte(partial), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, _, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q; want %q", cfg.ListenAddr, ":9000")
	}
	p, ok := cfg.Profile("")
	if !ok {
		t.Fatal("clinic profile missing")
	}
	if p.Name != "clinic" || p.ViewingDistanceM != 3 || p.KernelShape != optics.ShapeGaussian {
		t.Errorf("clinic profile = %+v", p)
	}
	if p.Limits != optics.DefaultLimits() {
		t.Errorf("clinic limits = %+v; want defaults", p.Limits)
	}
	if p.MaxPixels != optics.DefaultProfile().MaxPixels {
		t.Errorf("clinic MaxPixels = %d; want default", p.MaxPixels)
	}
	if cfg.JWTSecret == "" {
		t.Error("JWTSecret should be generated")
	}

	// the generated secret is persisted and unknown keys survive
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var saved map[string]json.RawMessage
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("saved config is not JSON: %v", err)
	}
	if _, ok := saved["customKey"]; !ok {
		t.Error("customKey was dropped on save")
	}
	var secret string
	json.Unmarshal(saved["jwtSecret"], &secret)
	if secret != cfg.JWTSecret {
		t.Errorf("saved jwtSecret = %q; want %q", secret, cfg.JWTSecret)
	}
}

// TestLoadFromRejectsInvalid verifies an unknown alias fails the load
func TestLoadFromRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"responseAliases": ["img"]}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadFrom(path); err == nil {
		t.Error("LoadFrom() = nil error; want invalid alias error")
	}

	if err := os.WriteFile(path, []byte(`{not json`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadFrom(path); err == nil {
		t.Error("LoadFrom() = nil error; want parse error")
	}
}

// TestLoadUsesDataDir verifies Load reads from the platform data directory
func TestLoadUsesDataDir(t *testing.T) {
	original := Get()
	defer Set(original)

	dir := t.TempDir()
	t.Setenv("RETINASIM_DATA_DIR", dir)
	_, path, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if path != filepath.Join(dir, "config.json") {
		t.Errorf("Load() path = %q; want %q", path, filepath.Join(dir, "config.json"))
	}
}

// TestIsJSONObject tests the JSON object detection helper
func TestIsJSONObject(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{`{}`, true},
		{`{"key": "value"}`, true},
		{`  {  }  `, true},
		{`[]`, false},
		{`"string"`, false},
		{`null`, false},
		{``, false},
	}

	for _, tt := range tests {
		result := isJSONObject([]byte(tt.input))
		if result != tt.expected {
			t.Errorf("isJSONObject(%q) = %v; want %v", tt.input, result, tt.expected)
		}
	}
}

// TestDeepMergeJSON tests the JSON merge functionality
func TestDeepMergeJSON(t *testing.T) {
	tests := []struct {
		name     string
		dst      string
		src      string
		expected string
	}{
		{"Simple merge", `{"a": "1"}`, `{"b": "2"}`, `{"a":"1","b":"2"}`},
		{"Override value", `{"a": "1"}`, `{"a": "2"}`, `{"a":"2"}`},
		{"Nested merge", `{"profiles": {"a": {"x": 1}}}`, `{"profiles": {"b": {"y": 2}}}`, `{"profiles":{"a":{"x":1},"b":{"y":2}}}`},
		{"Deep override", `{"profiles": {"a": {"x": 1, "z": 3}}}`, `{"profiles": {"a": {"x": 2}}}`, `{"profiles":{"a":{"x":2,"z":3}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst, src map[string]json.RawMessage
			json.Unmarshal([]byte(tt.dst), &dst)
			json.Unmarshal([]byte(tt.src), &src)

			deepMergeJSON(dst, src)
			result, _ := json.Marshal(dst)

			// Parse both for comparison (order-independent)
			var resultMap, expectedMap any
			json.Unmarshal(result, &resultMap)
			json.Unmarshal([]byte(tt.expected), &expectedMap)

			if !jsonEqual(resultMap, expectedMap) {
				t.Errorf("deepMergeJSON result = %s; want %s", result, tt.expected)
			}
		})
	}
}

func jsonEqual(a, b any) bool {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if aok != bok {
		return false
	}
	if !aok {
		return a == b
	}
	if len(am) != len(bm) {
		return false
	}
	for k, v := range am {
		if !jsonEqual(v, bm[k]) {
			return false
		}
	}
	return true
}

// TestConfigConcurrency tests concurrent access to Get/Set
func TestConfigConcurrency(t *testing.T) {
	original := Get()
	defer Set(original)

	done := make(chan bool)
	go func() {
		for i := 0; i < 100; i++ {
			Set(Config{ListenAddr: ":1"})
		}
		done <- true
	}()
	go func() {
		for i := 0; i < 100; i++ {
			_ = Get()
		}
		done <- true
	}()
	<-done
	<-done
}
