package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ineyio/imagerouter"
)

const maxImages = 4

// sizeAspect maps OpenAI sizes onto the aspect ratios imagine accepts.
var sizeAspect = map[string]string{
	"1024x1024": "1:1",
	"1024x1536": "2:3",
	"1536x1024": "3:2",
	"1024x1792": "9:16",
	"1792x1024": "16:9",
}

var aspectRatios = map[string]bool{"1:1": true, "2:3": true, "3:2": true, "9:16": true, "16:9": true}

type generationRequest struct {
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	AspectRatio    string `json:"aspect_ratio"`
	ResponseFormat string `json:"response_format"`
	EnableNSFW     bool   `json:"enable_nsfw"`
	// TokenID pins the request to one credential.
	TokenID string `json:"token_id"`
}

type imageData struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
}

type generationResponse struct {
	Created int64       `json:"created"`
	Data    []imageData `json:"data"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "missing_prompt", "prompt is required")
		return
	}
	if body.N == 0 {
		body.N = 1
	}
	if body.N < 1 || body.N > maxImages {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_n", "n must be between 1 and 4")
		return
	}
	aspect := body.AspectRatio
	if aspect == "" && body.Size != "" {
		var ok bool
		if aspect, ok = sizeAspect[body.Size]; !ok {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_size", "unsupported size "+body.Size)
			return
		}
	}
	if aspect != "" && !aspectRatios[aspect] {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_aspect_ratio", "unsupported aspect_ratio "+aspect)
		return
	}
	format := body.ResponseFormat
	if format == "" {
		format = "url"
	}
	if format != "url" && format != "b64_json" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_response_format", "response_format must be url or b64_json")
		return
	}

	res, err := s.dispatcher.Execute(r.Context(), imagerouter.GenerationRequest{
		Prompt:      body.Prompt,
		Count:       body.N,
		AspectRatio: aspect,
		EnableNSFW:  body.EnableNSFW,
		TokenID:     body.TokenID,
	})
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}

	w.Header().Set("X-Imagerouter-Token", res.Routing.TokenID)
	w.Header().Set("X-Imagerouter-Attempts", strconv.Itoa(res.Routing.Attempts))

	out := generationResponse{Created: time.Now().Unix()}
	if format == "b64_json" {
		for _, b := range res.B64JSON {
			out.Data = append(out.Data, imageData{B64JSON: b})
		}
	} else {
		for _, u := range res.URLs {
			out.Data = append(out.Data, imageData{URL: u})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// writeDispatchError maps a dispatch failure onto an HTTP status.
func (s *Server) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	var de *imagerouter.DispatchError
	if !errors.As(err, &de) {
		s.logger.Error("generation failed", "request_id", GetRequestID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal_error", "internal error")
		return
	}

	switch de.Reason {
	case imagerouter.ReasonPoolExhausted:
		writeError(w, http.StatusServiceUnavailable, "server_error", string(de.Reason), "no credential available, try again later")
	case imagerouter.ReasonCancelled:
		writeError(w, http.StatusRequestTimeout, "timeout_error", string(de.Reason), "request cancelled")
	default:
		status := http.StatusBadGateway
		if de.LastKind == imagerouter.KindRateLimited {
			status = http.StatusTooManyRequests
		}
		writeError(w, status, "upstream_error", de.LastKind.String(), "all attempts failed")
	}
}

type healthResponse struct {
	Status   string                     `json:"status"`
	Tokens   int                        `json:"tokens"`
	ByStatus map[imagerouter.Status]int `json:"by_status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	records, err := s.pool.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
		return
	}
	resp := healthResponse{Status: "degraded", Tokens: len(records), ByStatus: make(map[imagerouter.Status]int)}
	for _, rec := range records {
		resp.ByStatus[rec.Status]++
		if rec.Eligible() {
			resp.Status = "ok"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	records, err := s.pool.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("snapshot failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "store_error", "could not read tokens")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": records})
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.pool.Unban(r.Context(), id)
	switch {
	case errors.Is(err, imagerouter.ErrNotFound):
		writeError(w, http.StatusNotFound, "invalid_request_error", "token_not_found", "unknown token "+id)
		return
	case err != nil:
		s.logger.Error("unban failed", "token", id, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "store_error", "could not unban token")
		return
	}
	s.logger.Info("token unbanned", "token", id, "request_id", GetRequestID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeError(w, http.StatusNotImplemented, "invalid_request_error", "reload_disabled", "reload is not configured")
		return
	}
	if err := s.reload(r.Context()); err != nil {
		s.logger.Error("reload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "reload_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Default().Error("failed to encode JSON response", "error", err)
	}
}

// writeError writes an OpenAI-style error body.
func writeError(w http.ResponseWriter, status int, typ, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: typ, Code: code}})
}
