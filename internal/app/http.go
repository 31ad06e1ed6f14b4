package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"planmark/internal/metrics"
	"planmark/internal/search"
	"planmark/internal/syncclient"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, metrics: promhttp.Handler()}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
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

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		documentID := strings.TrimSpace(r.URL.Query().Get("documentId"))
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, CodeValidation, "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		writeJSON(w, http.StatusOK, s.service.Search(search.Query{Text: q, DocumentID: documentID, Limit: limit}))
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 3 && parts[0] == "ws" && parts[1] == "documents" {
		if err := s.service.ServeWS(w, r, parts[2]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
		}
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "documents" {
		s.handleDocuments(w, r, parts[2], parts)
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "annotations" {
		s.handleAnnotation(w, r, parts[2])
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, documentID string, parts []string) {
	if len(parts) == 3 && r.Method == http.MethodGet {
		info, err := s.service.Document(r.Context(), documentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": info})
		return
	}

	if len(parts) == 4 && parts[3] == "annotations" {
		if r.Method == http.MethodGet {
			page, ok := pageQuery(w, r)
			if !ok {
				return
			}
			payload, err := s.service.Envelope(r.Context(), documentID, page)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}

		if r.Method == http.MethodPost {
			var env syncclient.Envelope
			if err := decodeBody(r, &env); err != nil {
				writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
				return
			}
			payload, err := s.service.SaveEnvelope(r.Context(), documentID, userFromRequest(r), env)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}

		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed", nil)
		return
	}

	if len(parts) == 5 && parts[3] == "annotations" && parts[4] == "count" && r.Method == http.MethodGet {
		page, ok := pageQuery(w, r)
		if !ok {
			return
		}
		count, err := s.service.Count(r.Context(), documentID, page)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": count})
		return
	}

	if len(parts) == 5 && parts[3] == "annotations" && parts[4] == "history" && r.Method == http.MethodGet {
		limit := 50
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		events, err := s.service.History(r.Context(), documentID, limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
		return
	}

	if len(parts) == 4 && parts[3] == "context" && r.Method == http.MethodGet {
		payload, err := s.service.Context(r.Context(), documentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 5 && parts[3] == "pages" && r.Method == http.MethodGet {
		page, err := strconv.Atoi(parts[4])
		if err != nil || page < 1 {
			writeError(w, http.StatusUnprocessableEntity, CodeValidation, "page must be a positive integer", nil)
			return
		}
		info, err := s.service.Page(r.Context(), documentID, page)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, info)
		return
	}

	if len(parts) == 4 && parts[3] == "presence" && r.Method == http.MethodGet {
		entries, err := s.service.Presence(r.Context(), documentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": entries})
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

func (s *HTTPServer) handleAnnotation(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method == http.MethodPut {
		var rec syncclient.Record
		if err := decodeBody(r, &rec); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
			return
		}
		rec.ID = id
		payload, err := s.service.UpdateAnnotation(r.Context(), userFromRequest(r), rec)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodDelete {
		deleted, err := s.service.DeleteAnnotation(r.Context(), userFromRequest(r), id)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deletedIds": deleted})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed", nil)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		metrics.RequestsTotal.WithLabelValues(r.Method, fmt.Sprintf("%dxx", writer.status/100)).Inc()
		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade through the logging wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-User-Id, X-User-Name")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func userFromRequest(r *http.Request) User {
	user := User{
		ID:   strings.TrimSpace(r.Header.Get("X-User-Id")),
		Name: strings.TrimSpace(r.Header.Get("X-User-Name")),
	}
	if user.ID == "" {
		user.ID = "anonymous"
	}
	if user.Name == "" {
		user.Name = user.ID
	}
	return user
}

func pageQuery(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("page"))
	if raw == "" {
		return 0, true
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, "page must be a positive integer", nil)
		return 0, false
	}
	return page, true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	return http.StatusInternalServerError, CodeServer, "Server error", nil
}
