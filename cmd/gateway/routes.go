package main

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/modelgate/modelgate"
	"github.com/modelgate/modelgate/internal/observability"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
	"github.com/modelgate/modelgate/pkg/types"
)

func registerRoutes(mux *http.ServeMux, gw *modelgate.Gateway, logger *observability.Logger) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	mux.HandleFunc("POST /v1/inference", handleInference(gw, logger))
	mux.HandleFunc("GET /v1/stats", handleStats(gw))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
}

func handleInference(gw *modelgate.Gateway, logger *observability.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.InferenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if req.Stream {
			streamInference(w, r, gw, &req, logger)
			return
		}

		resp, err := gw.Complete(r.Context(), &req)
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func streamInference(w http.ResponseWriter, r *http.Request, gw *modelgate.Gateway, req *types.InferenceRequest, logger *observability.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	reader, err := gw.Stream(r.Context(), req)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	defer func() { _ = reader.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	enc := json.NewEncoder(w)
	for {
		chunk, err := reader.Recv()
		if err == io.EOF {
			_, _ = io.WriteString(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		if err != nil {
			logger.WithRequestID(r.Context()).Warn("stream aborted", "error", err)
			return
		}
		_, _ = io.WriteString(w, "data: ")
		_ = enc.Encode(chunk)
		_, _ = io.WriteString(w, "\n")
		flusher.Flush()
	}
}

func handleStats(gw *modelgate.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, gw.Stats())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error struct {
		Category string `json:"category,omitempty"`
		Code     string `json:"code,omitempty"`
		Message  string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	var body errorBody
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeGatewayError(w http.ResponseWriter, err error) {
	var body errorBody
	body.Error.Message = err.Error()

	status := http.StatusBadGateway
	var gerr *gwerrors.Error
	if errors.As(err, &gerr) {
		body.Error.Category = string(gerr.Category)
		body.Error.Code = string(gerr.Code)
		switch gerr.Category {
		case gwerrors.CategoryConfiguration:
			status = http.StatusBadRequest
		case gwerrors.CategoryRateLimit:
			status = http.StatusTooManyRequests
		case gwerrors.CategoryRouting, gwerrors.CategoryCircuitBreaker:
			status = http.StatusServiceUnavailable
		case gwerrors.CategoryAdmission:
			if gerr.Code == gwerrors.CodeQueueFull {
				status = http.StatusTooManyRequests
			} else {
				status = http.StatusGatewayTimeout
			}
		}
	}
	writeJSON(w, status, body)
}
