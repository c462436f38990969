package rpcServer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

const (
	defaultAwardsLimit = 50
	maxAwardsLimit     = 500
	maxBodyBytes       = 1 << 16
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, &errorResponse{Error: message})
}

// decodeBody decodes a single JSON object and rejects trailing data.
func decodeBody(r *http.Request, v any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if decoder.More() {
		return errors.New("invalid request body: unexpected trailing data")
	}
	return nil
}

// parseLimit reads ?limit=, defaulting when absent and capping at maxAwardsLimit.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultAwardsLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(limit, maxAwardsLimit), nil
}
