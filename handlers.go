package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/stevecastle/retinasim/chart"
	"github.com/stevecastle/retinasim/optics"
	"github.com/stevecastle/retinasim/renderer"
)

// simulateInput is a decoded /simulate request before validation.
type simulateInput struct {
	Params    optics.RawParameters
	Profile   string
	ImageData []byte
}

type errorResponse struct {
	Status    string `json:"status"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type simulateMetrics struct {
	Kernels   [3]optics.KernelSummary `json:"kernels"`
	ElapsedMS float64                 `json:"elapsed_ms"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, kind, msg string) {
	renderer.WriteJSON(w, status, errorResponse{
		Status:    "error",
		Kind:      kind,
		Message:   msg,
		RequestID: renderer.RequestID(r.Context()),
	})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch optics.KindOf(err) {
	case optics.KindValidation:
		return http.StatusBadRequest
	case optics.KindDecode:
		return http.StatusUnprocessableEntity
	case optics.KindResourceLimit:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func writeSimulateError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{
		Status:    "error",
		Kind:      optics.KindOf(err).String(),
		Message:   err.Error(),
		RequestID: renderer.RequestID(r.Context()),
	}
	var oe *optics.Error
	if errors.As(err, &oe) {
		resp.Field = oe.Field
	}
	renderer.WriteJSON(w, statusFor(err), resp)
}

// asOpticsError keeps *optics.Error values and wraps anything else.
func asOpticsError(err error, kind optics.Kind, msg string) error {
	var oe *optics.Error
	if errors.As(err, &oe) {
		return err
	}
	return &optics.Error{Kind: kind, Stage: optics.StageValidate, Msg: msg, Err: err}
}

// readSimulateInput accepts a JSON body, a multipart or urlencoded form, or
// query parameters.
func readSimulateInput(w http.ResponseWriter, r *http.Request, maxBytes int64) (simulateInput, error) {
	in := simulateInput{Params: optics.RawParameters{}}
	if r.Method == http.MethodGet {
		formParams(in.Params, r.URL.Query(), &in.Profile)
		return in, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer r.Body.Close()

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var err error
	switch mediaType {
	case "multipart/form-data":
		err = readMultipart(r, maxBytes, &in)
	case "application/x-www-form-urlencoded":
		if err = r.ParseForm(); err == nil {
			formParams(in.Params, r.Form, &in.Profile)
		}
	default:
		err = readJSON(r, &in)
	}
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return in, &optics.Error{
				Kind:  optics.KindResourceLimit,
				Stage: optics.StageValidate,
				Msg:   fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit),
			}
		}
		return in, asOpticsError(err, optics.KindValidation, "malformed request body")
	}
	return in, nil
}

func formParams(dst optics.RawParameters, values map[string][]string, profile *string) {
	for k, v := range values {
		if len(v) == 0 {
			continue
		}
		if k == "profile" {
			*profile = v[0]
			continue
		}
		dst[k] = v[0]
	}
}

func readJSON(r *http.Request, in *simulateInput) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return err
	}
	for k, v := range fields {
		switch k {
		case "profile":
			s, ok := v.(string)
			if !ok {
				return &optics.Error{Kind: optics.KindValidation, Stage: optics.StageValidate, Field: "profile", Msg: "must be a string"}
			}
			in.Profile = s
		case "image_base64":
			s, ok := v.(string)
			if !ok {
				return &optics.Error{Kind: optics.KindValidation, Stage: optics.StageValidate, Field: "image_base64", Msg: "must be a string"}
			}
			data, err := decodeBase64Image(s)
			if err != nil {
				return &optics.Error{Kind: optics.KindDecode, Stage: optics.StageValidate, Field: "image_base64", Msg: "invalid base64", Err: err}
			}
			in.ImageData = data
		default:
			in.Params[k] = v
		}
	}
	return nil
}

// decodeBase64Image accepts raw base64 or a data: URL.
func decodeBase64Image(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func readMultipart(r *http.Request, maxBytes int64, in *simulateInput) error {
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return err
	}
	formParams(in.Params, r.MultipartForm.Value, &in.Profile)
	file, _, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()
	in.ImageData, err = io.ReadAll(file)
	return err
}

// defaultChart is used when a request carries no image: the configured chart
// file if any, else the procedural chart at the request's screen density.
func defaultChart(deps *Dependencies, e *optics.Engine, req *optics.Request) error {
	if deps.Config.ChartPath != "" {
		data, err := os.ReadFile(deps.Config.ChartPath)
		if err != nil {
			return &optics.Error{Kind: optics.KindInternal, Stage: optics.StageValidate, Msg: "default chart unavailable", Err: err}
		}
		req.ImageData = data
		return nil
	}
	// parameter errors are reported by Simulate
	params, _, err := optics.Normalize(req.Params, e.Profile())
	if err != nil {
		return nil
	}
	img, err := chart.Render(chart.Options{PxPerMM: params.PxPerMM, DistanceM: e.Profile().ViewingDistanceM})
	if err != nil {
		return &optics.Error{Kind: optics.KindInternal, Stage: optics.StageValidate, Msg: "rendering default chart", Err: err}
	}
	req.Image = img
	return nil
}

// -----------------------------------------------------------------------------
// handlers
// -----------------------------------------------------------------------------

func simulateHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodGet {
			writeError(w, r, http.StatusMethodNotAllowed, optics.KindValidation.String(), "use GET or POST")
			return
		}

		in, err := readSimulateInput(w, r, deps.Config.MaxUploadBytes)
		if err != nil {
			writeSimulateError(w, r, err)
			return
		}
		e, ok := deps.engine(in.Profile)
		if !ok {
			writeSimulateError(w, r, &optics.Error{
				Kind: optics.KindValidation, Stage: optics.StageValidate, Field: "profile",
				Msg: fmt.Sprintf("unknown profile %q", in.Profile),
			})
			return
		}

		req := optics.Request{
			ID:        renderer.RequestID(r.Context()),
			Params:    in.Params,
			ImageData: in.ImageData,
		}
		if len(req.ImageData) == 0 {
			if err := defaultChart(deps, e, &req); err != nil {
				writeSimulateError(w, r, err)
				return
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(deps.Config.RequestTimeoutSeconds)*time.Second)
		defer cancel()

		var res *optics.Result
		err = deps.Runners.Run(ctx, func(ctx context.Context) error {
			var simErr error
			res, simErr = e.Simulate(ctx, req)
			return simErr
		})
		if err != nil {
			writeSimulateError(w, r, asOpticsError(err, optics.KindInternal, "simulation not started"))
			return
		}

		encoded := base64.StdEncoding.EncodeToString(res.Encoded)
		resp := map[string]any{
			"status":       "ok",
			"image_base64": encoded,
			"mime":         res.MIME,
			"width":        res.Width(),
			"height":       res.Height(),
			"request_id":   res.ID,
			"params":       res.Params,
			"adjustments":  adjustmentsOrEmpty(res.Adjustments),
			"metrics": simulateMetrics{
				Kernels:   res.Kernels,
				ElapsedMS: float64(res.Elapsed) / float64(time.Millisecond),
			},
		}
		for _, k := range deps.Aliases {
			resp[string(k)] = encoded
		}
		renderer.WriteJSON(w, http.StatusOK, resp)
	}
}

func adjustmentsOrEmpty(a []optics.Adjustment) []optics.Adjustment {
	if a == nil {
		return []optics.Adjustment{}
	}
	return a
}

const maxChartDistanceM = 10

// chartHandler serves the procedural Snellen chart as PNG.
func chartHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, r, http.StatusMethodNotAllowed, optics.KindValidation.String(), "use GET")
			return
		}
		p, _ := deps.Config.Profile("")
		opts := chart.Options{PxPerMM: p.Defaults.PxPerMM, DistanceM: p.ViewingDistanceM}

		q := r.URL.Query()
		for name, dst := range map[string]*float64{"px_per_mm": &opts.PxPerMM, "distance_m": &opts.DistanceM} {
			s := q.Get(name)
			if s == "" {
				continue
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, optics.KindValidation.String(), fmt.Sprintf("%s: not a number", name))
				return
			}
			*dst = v
		}
		if opts.PxPerMM > p.Limits.PxPerMM.Max {
			writeError(w, r, http.StatusBadRequest, optics.KindValidation.String(),
				fmt.Sprintf("px_per_mm must be at most %v", p.Limits.PxPerMM.Max))
			return
		}
		if opts.DistanceM > maxChartDistanceM {
			writeError(w, r, http.StatusBadRequest, optics.KindValidation.String(),
				fmt.Sprintf("distance_m must be at most %v", maxChartDistanceM))
			return
		}

		img, err := chart.Render(opts)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, optics.KindValidation.String(), err.Error())
			return
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			writeError(w, r, http.StatusInternalServerError, optics.KindInternal.String(), err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
	}
}

type profilesResponse struct {
	Default  string                    `json:"default"`
	Profiles map[string]optics.Profile `json:"profiles"`
}

func profilesHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		renderer.WriteJSON(w, http.StatusOK, profilesResponse{
			Default:  deps.Config.DefaultProfile,
			Profiles: deps.Config.Profiles,
		})
	}
}

// healthHandler reports runner and stream statistics
func healthHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		renderer.WriteJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().Unix(),
			"runners":   deps.Runners.Stats(),
			"stream":    deps.Hub.Stats(),
		})
	}
}
