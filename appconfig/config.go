package appconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/stevecastle/retinasim/optics"
	"github.com/stevecastle/retinasim/platform"
)

// ResponseKey is a JSON key under which the simulated image may be returned.
type ResponseKey string

const (
	KeyImageBase64     ResponseKey = "image_base64"
	KeyImage           ResponseKey = "image"
	KeyProcessedBase64 ResponseKey = "processed_base64"
)

// ResponseKeys lists every key a client may read the image from.
var ResponseKeys = []ResponseKey{KeyImageBase64, KeyImage, KeyProcessedBase64}

// ParseResponseKey rejects anything outside ResponseKeys.
func ParseResponseKey(s string) (ResponseKey, error) {
	for _, k := range ResponseKeys {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown response key %q", s)
}

// Config holds server settings and the calibration profiles.
type Config struct {
	ListenAddr string `json:"listenAddr"`

	// Logging: "text" or "json"; "debug", "info", "warn" or "error"
	LogFormat string `json:"logFormat"`
	LogLevel  string `json:"logLevel"`

	// Output encoding
	OutputFormat string `json:"outputFormat"`
	JPEGQuality  int    `json:"jpegQuality"`

	// Extra keys that also carry the image in /simulate responses.
	// image_base64 is always present.
	ResponseAliases []string `json:"responseAliases"`

	// Optional chart image used when a request has no upload. The
	// procedural Snellen chart is used when empty.
	ChartPath string `json:"chartPath"`

	// Request limits
	MaxConcurrent         int   `json:"maxConcurrent"`
	RequestTimeoutSeconds int   `json:"requestTimeoutSeconds"`
	MaxUploadBytes        int64 `json:"maxUploadBytes"`

	// Bearer-token protection for /simulate
	RequireAuth bool   `json:"requireAuth"`
	JWTSecret   string `json:"jwtSecret"`

	DefaultProfile string                    `json:"defaultProfile"`
	Profiles       map[string]optics.Profile `json:"profiles"`
}

var (
	cfgMu sync.RWMutex
	cfg   Config
)

// DefaultConfigDir returns the default config directory path.
// Uses the platform-specific data directory.
func DefaultConfigDir() string {
	return platform.GetDataDir()
}

// DefaultProfiles returns the built-in calibration profiles.
func DefaultProfiles() map[string]optics.Profile {
	standard := optics.DefaultProfile()
	standard.LinearLight = true

	soft := optics.DefaultProfile()
	soft.Name = "soft"
	soft.KernelShape = optics.ShapeGaussian

	return map[string]optics.Profile{
		standard.Name: standard,
		soft.Name:     soft,
	}
}

// defaultConfig returns a Config populated with sensible defaults.
func defaultConfig() Config {
	return Config{
		ListenAddr:            ":8090",
		LogFormat:             "text",
		LogLevel:              "info",
		OutputFormat:          "png",
		JPEGQuality:           90,
		MaxConcurrent:         0, // GOMAXPROCS
		RequestTimeoutSeconds: 30,
		MaxUploadBytes:        20 << 20,
		JWTSecret:             uuid.New().String(),
		DefaultProfile:        "standard",
		Profiles:              DefaultProfiles(),
	}
}

// Get returns a copy of the current in-memory config.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the in-memory config.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

// Profile returns the named profile, or the default profile for "".
func (c Config) Profile(name string) (optics.Profile, bool) {
	if name == "" {
		name = c.DefaultProfile
	}
	p, ok := c.Profiles[name]
	return p, ok
}

// ProfileNames returns the configured profile names in order.
func (c Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for n := range c.Profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Aliases returns the parsed ResponseAliases.
func (c Config) Aliases() ([]ResponseKey, error) {
	out := make([]ResponseKey, 0, len(c.ResponseAliases))
	for _, a := range c.ResponseAliases {
		k, err := ParseResponseKey(a)
		if err != nil {
			return nil, err
		}
		if k != KeyImageBase64 {
			out = append(out, k)
		}
	}
	return out, nil
}

// Validate reports the first setting that would keep the server from
// starting.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr is empty")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("logFormat must be text or json, got %q", c.LogFormat)
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("logLevel: %v", err)
	}
	if _, err := optics.CodecFor(c.OutputFormat, c.JPEGQuality); err != nil {
		return err
	}
	if _, err := c.Aliases(); err != nil {
		return fmt.Errorf("responseAliases: %v", err)
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("maxConcurrent must not be negative")
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("requestTimeoutSeconds must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("maxUploadBytes must be positive")
	}
	if c.RequireAuth && c.JWTSecret == "" {
		return fmt.Errorf("requireAuth is set but jwtSecret is empty")
	}
	if _, ok := c.Profiles[c.DefaultProfile]; !ok {
		return fmt.Errorf("defaultProfile %q is not defined", c.DefaultProfile)
	}
	for _, name := range c.ProfileNames() {
		if err := c.Profiles[name].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// fillProfile completes a partially written profile from the built-in
// defaults.
func fillProfile(name string, p optics.Profile) optics.Profile {
	def := optics.DefaultProfile()
	if p.Name == "" {
		p.Name = name
	}
	if p.ViewingDistanceM == 0 {
		p.ViewingDistanceM = def.ViewingDistanceM
	}
	if p.ChannelOffsetsD == [3]float64{} {
		p.ChannelOffsetsD = def.ChannelOffsetsD
	}
	if p.KernelShape == "" {
		p.KernelShape = def.KernelShape
	}
	if p.MaxKernelRadiusPx == 0 {
		p.MaxKernelRadiusPx = def.MaxKernelRadiusPx
	}
	if p.FFTThresholdPx == 0 {
		p.FFTThresholdPx = def.FFTThresholdPx
	}
	if p.MaxPixels == 0 {
		p.MaxPixels = def.MaxPixels
	}

	fill := func(r *optics.Range, d optics.Range) {
		if *r == (optics.Range{}) {
			*r = d
		}
	}
	fill(&p.Limits.DefocusD, def.Limits.DefocusD)
	fill(&p.Limits.PupilMM, def.Limits.PupilMM)
	fill(&p.Limits.PxPerMM, def.Limits.PxPerMM)
	fill(&p.Limits.Contrast, def.Limits.Contrast)
	fill(&p.Limits.Gamma, def.Limits.Gamma)
	fill(&p.Limits.CylinderD, def.Limits.CylinderD)
	fill(&p.Limits.AxisDeg, def.Limits.AxisDeg)

	if p.Defaults.PxPerMM == 0 {
		p.Defaults.PxPerMM = def.Defaults.PxPerMM
	}
	if p.Defaults.Contrast == 0 {
		p.Defaults.Contrast = def.Defaults.Contrast
	}
	if p.Defaults.Gamma == 0 {
		p.Defaults.Gamma = def.Defaults.Gamma
	}
	if p.Defaults.Mode == "" {
		p.Defaults.Mode = def.Defaults.Mode
	}
	return p
}

func isJSONObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func deepMergeJSON(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		if existing, ok := dst[k]; ok && isJSONObject(existing) && isJSONObject(v) {
			var dstObj map[string]json.RawMessage
			var srcObj map[string]json.RawMessage
			if err := json.Unmarshal(existing, &dstObj); err != nil {
				dst[k] = v
				continue
			}
			if err := json.Unmarshal(v, &srcObj); err != nil {
				dst[k] = v
				continue
			}
			deepMergeJSON(dstObj, srcObj)
			merged, err := json.Marshal(dstObj)
			if err != nil {
				dst[k] = v
				continue
			}
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// ConfigPath returns the full path to the default config.json file.
func ConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config from the platform data directory. See LoadFrom.
func Load() (Config, string, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads the config at path and updates the in-memory config. It
// returns the config and path. If the file doesn't exist, it is created with
// default values. Missing fields are filled from the defaults.
func LoadFrom(path string) (Config, string, error) {
	// Ensure config directory exists
	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return Config{}, "", fmt.Errorf("failed to create config directory %s: %v", configDir, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			def := defaultConfig()
			savedPath, saveErr := SaveTo(path, def)
			if saveErr != nil {
				return Config{}, path, fmt.Errorf("failed to create default config file: %v", saveErr)
			}
			Set(def)
			return def, savedPath, nil
		}
		return Config{}, path, fmt.Errorf("failed to read config file at %s: %v", path, err)
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, path, fmt.Errorf("failed to parse config JSON: %v", err)
	}

	// Merge defaults for any missing fields
	def := defaultConfig()
	needsSave := false

	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.OutputFormat == "" {
		c.OutputFormat = def.OutputFormat
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = def.JPEGQuality
	}
	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = def.RequestTimeoutSeconds
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = def.MaxUploadBytes
	}
	if c.JWTSecret == "" {
		c.JWTSecret = uuid.New().String()
		needsSave = true
	}
	if len(c.Profiles) == 0 {
		c.Profiles = def.Profiles
		needsSave = true
	}
	for name, p := range c.Profiles {
		c.Profiles[name] = fillProfile(name, p)
	}
	if c.DefaultProfile == "" {
		c.DefaultProfile = def.DefaultProfile
		if _, ok := c.Profiles[c.DefaultProfile]; !ok {
			c.DefaultProfile = c.ProfileNames()[0]
		}
	}

	if err := c.Validate(); err != nil {
		return Config{}, path, fmt.Errorf("invalid config %s: %w", path, err)
	}

	// Save config if we had to fill in critical missing fields
	if needsSave {
		if _, saveErr := SaveTo(path, c); saveErr != nil {
			// Log but don't fail - we can continue with the in-memory config
			slog.Warn("failed to save updated config", "path", path, "error", saveErr)
		}
	}

	Set(c)
	return c, path, nil
}

// Save writes the config to the default location. Returns the path.
func Save(c Config) (string, error) {
	return SaveTo(ConfigPath(), c)
}

// SaveTo writes the config to path, creating the directory as needed. Keys
// already in the file that Config does not know about are preserved.
func SaveTo(path string, c Config) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, fmt.Errorf("failed to create config directory: %v", err)
	}
	base := map[string]json.RawMessage{}
	if existing, readErr := os.ReadFile(path); readErr == nil {
		var tmp map[string]json.RawMessage
		if err := json.Unmarshal(existing, &tmp); err == nil {
			base = tmp
		}
	}

	marshaled, err := json.Marshal(c)
	if err != nil {
		return path, fmt.Errorf("failed to marshal config: %v", err)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(marshaled, &incoming); err != nil {
		return path, fmt.Errorf("failed to map config JSON: %v", err)
	}

	deepMergeJSON(base, incoming)

	mergedData, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return path, fmt.Errorf("failed to marshal merged config: %v", err)
	}
	if err := os.WriteFile(path, mergedData, 0600); err != nil {
		return path, fmt.Errorf("failed to write config file: %v", err)
	}
	Set(c)
	return path, nil
}
