package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"whyboard/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	gateway    http.Handler
	corsOrigin string
}

func NewHTTPServer(service *Service, gateway http.Handler, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, gateway: gateway, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Handle("/ws", s.gateway).Methods(http.MethodGet)

	r.HandleFunc("/api/users", s.handleRegisterUser).Methods(http.MethodPost)

	board := r.PathPrefix("/api/tenants/{tenant}/boards/{board}").Subrouter()
	board.HandleFunc("/graph", s.handleGetGraph).Methods(http.MethodGet)
	board.HandleFunc("/graph", s.handleReplaceGraph).Methods(http.MethodPut)
	board.HandleFunc("/locks", s.handleBoardLocks).Methods(http.MethodGet)
	board.HandleFunc("/nodes/{node}/lock", s.handleGetNodeLock).Methods(http.MethodGet)
	board.HandleFunc("/nodes/{node}/lock", s.handleLockNode).Methods(http.MethodPost)
	board.HandleFunc("/nodes/{node}/lock", s.handleUnlockNode).Methods(http.MethodDelete)
	board.HandleFunc("/nodes/{node}/edits", s.handleNodeEdits).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	return s.withMiddleware(r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	if s.service.CacheEnabled() {
		checks["redis"] = map[string]any{"status": "ok"}
		if err := s.service.CachePing(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var body RegisterUserInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, err := s.service.RegisterUser(r.Context(), body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          user.ID,
		"email":       user.Email,
		"displayName": user.DisplayName,
	})
}

func (s *HTTPServer) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	payload, err := s.service.GetGraph(r.Context(), vars["tenant"], vars["board"])
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleReplaceGraph(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		UserID string      `json:"userId"`
		Nodes  []NodeInput `json:"nodes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.ReplaceGraph(r.Context(), vars["tenant"], vars["board"], body.UserID, body.Nodes)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleBoardLocks(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	payload, err := s.service.BoardLocks(r.Context(), vars["tenant"], vars["board"])
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleGetNodeLock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	payload, err := s.service.NodeLockState(r.Context(), vars["tenant"], vars["board"], vars["node"])
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleLockNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		UserID string `json:"userId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	lock, err := s.service.LockNode(r.Context(), vars["tenant"], vars["board"], vars["node"], body.UserID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lock": lock})
}

func (s *HTTPServer) handleUnlockNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		UserID string `json:"userId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.UnlockNode(r.Context(), vars["tenant"], vars["board"], vars["node"], body.UserID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleNodeEdits(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}
	payload, err := s.service.NodeEdits(r.Context(), vars["tenant"], vars["board"], vars["node"], limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			setCORSHeaders(w.Header(), s.corsOrigin)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// The websocket upgrade needs the raw ResponseWriter; snooping it
		// would hide the http.Hijacker the upgrader requires.
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		setCORSHeaders(w.Header(), s.corsOrigin)
		m := httpsnoop.CaptureMetrics(next, w, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.Code,
			"duration_ms", m.Duration.Milliseconds(),
			"bytes", m.Written,
		)
	})
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var held *store.LockHeldError
	if errors.As(err, &held) {
		return http.StatusConflict, "LOCK_CONFLICT", "Node is locked by another user", map[string]any{"lockedBy": held.Holder}
	}
	if errors.Is(err, store.ErrNoActiveLock) {
		return http.StatusNotFound, "NO_ACTIVE_LOCK", "No active lock held by this user", nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
