package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lumenai/keywarden/internal/keypool"
)

// maxRequestBody caps inbound payloads at 4MB.
const maxRequestBody = 4 << 20

// GenerateContentHandler serves a Gemini generateContent call through the
// rotated key pool. Callers never see which key served them; degraded
// service via the primary fallback is flagged in a response header so
// operators can alert on it.
// POST /v1beta/models/{model}:generateContent
func GenerateContentHandler(dispatcher *keypool.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		model := chi.URLParam(r, "model")
		if model == "" {
			http.Error(w, `{"error": "model is required"}`, http.StatusBadRequest)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, `{"error": "Request body exceeds 4MB"}`, http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, `{"error": "Failed to read request body"}`, http.StatusBadRequest)
			return
		}

		result, err := dispatcher.Do(r.Context(), model, payload)
		if err != nil {
			switch {
			case errors.Is(err, keypool.ErrAllKeysExhausted):
				http.Error(w, `{"error": "All API keys are exhausted or unhealthy"}`, http.StatusServiceUnavailable)
			case errors.Is(err, keypool.ErrProviderTransient):
				http.Error(w, `{"error": "Upstream provider is unavailable"}`, http.StatusBadGateway)
			case r.Context().Err() != nil:
				// Caller went away; nothing useful to write.
			default:
				http.Error(w, `{"error": "Dispatch failed"}`, http.StatusInternalServerError)
			}
			return
		}

		if ct := result.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		} else {
			w.Header().Set("Content-Type", "application/json")
		}
		if result.Degraded {
			w.Header().Set("X-Keywarden-Degraded", "true")
		}
		w.WriteHeader(result.StatusCode)
		w.Write(result.Body)
	}
}
