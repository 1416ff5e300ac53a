package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/paulhenri/PKVS/internal/server"
	"github.com/paulhenri/PKVS/internal/storage"
)

// Request/Response types
type putRequest struct {
	Value string `json:"value"`
}

type getResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

type statusResponse struct {
	Address string        `json:"address"`
	Engine  storage.Kind  `json:"engine"`
	DataDir string        `json:"data_dir"`
	Uptime  string        `json:"uptime"`
	Keys    int64         `json:"keys"`
	Storage storage.Stats `json:"storage"`
}

// handleHealth returns the health status of the server
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
		"engine": s.config.Engine,
	})
}

// handleGet retrieves a value by key
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var (
		value string
		found bool
	)
	err := s.exec.Do(r.Context(), func(e storage.Engine) error {
		var err error
		value, found, err = e.Get(key)
		return err
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(getResponse{
		Key:   key,
		Value: value,
	})
}

// handlePut stores a key-value pair
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	// Read body
	body, err := io.ReadAll(io.LimitReader(r.Body, 10*1024*1024)) // 10MB limit
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer r.Body.Close()

	var req putRequest
	if err := json.Unmarshal(body, &req); err != nil {
		// If not JSON, treat the entire body as the value
		req.Value = string(body)
	}

	if req.Value == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	err = s.exec.Do(r.Context(), func(e storage.Engine) error {
		return e.Set(key, req.Value)
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"key":    key,
	})
}

// handleDelete removes a key
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	err := s.exec.Do(r.Context(), func(e storage.Engine) error {
		return e.Remove(key)
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"key":    key,
	})
}

// handleStatus returns the server status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{
		Address: s.config.FullAddress(),
		Engine:  stats.Engine,
		DataDir: s.config.DataDir,
		Uptime:  formatUptime(s.Uptime()),
		Keys:    stats.LiveKeys,
		Storage: stats,
	})
}

// handleKeys returns all live keys (for debugging)
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	var keys []string
	err := s.exec.Do(r.Context(), func(e storage.Engine) error {
		var err error
		keys, err = e.Keys()
		return err
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	})
}

// handleStats returns detailed storage statistics
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleCompact runs a compaction pass
func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := s.exec.Compact(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	stats, err := s.stats(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"stats":  stats,
	})
}

// handleSync persists the index
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	err := s.exec.Do(r.Context(), func(e storage.Engine) error {
		return e.Sync()
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) stats(ctx context.Context) (storage.Stats, error) {
	var stats storage.Stats
	err := s.exec.Do(ctx, func(e storage.Engine) error {
		stats = e.Stats()
		return nil
	})
	return stats, err
}

// writeEngineError maps an engine failure onto an HTTP status
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case storage.IsKind(err, storage.KindSerialization):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, server.ErrStopped),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errorResponse{
		Error:   http.StatusText(statusCode),
		Code:    statusCode,
		Message: message,
	})
}
