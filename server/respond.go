package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, status int, resp interface{}) {
	data, err := json.Marshal(resp)
	if err != nil {
		logger.Error().Err(err).Msg("marshal response")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, logger zerolog.Logger, r *http.Request, status int, err error) {
	logger.Warn().
		Str("remote", r.RemoteAddr).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Err(err).
		Msg("request failed")
	writeJSON(w, logger, status, errorBody{Error: err.Error()})
}
