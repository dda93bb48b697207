package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chronicle/coedit/internal/document"
	"chronicle/coedit/internal/domainerr"
	"chronicle/coedit/internal/search"
)

const maxUpdateBytes = 8 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
	router     *mux.Router

	// beforeState runs between subscribing a stream and encoding its state.
	beforeState func(documentID string)
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
	s.router = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.router)
}

func (s *HTTPServer) routes() *mux.Router {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/api/search", s.handleSearch).Methods(http.MethodGet)

	router.HandleFunc("/api/documents", s.handleListDocuments).Methods(http.MethodGet)
	docs := router.PathPrefix("/api/documents/{id}").Subrouter()
	docs.HandleFunc("", s.handleGetDocument).Methods(http.MethodGet)
	docs.HandleFunc("/blocks", s.handleReplaceBlocks).Methods(http.MethodPut)
	docs.HandleFunc("/blocks/{blockId}/clear", s.handleClearBlock).Methods(http.MethodPost)
	docs.HandleFunc("/mutations", s.handleSubmit).Methods(http.MethodPost)
	docs.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	docs.HandleFunc("/status/{blockId}", s.handleBlockStatus).Methods(http.MethodGet)
	docs.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	docs.HandleFunc("/retries", s.handleListRetries).Methods(http.MethodGet)
	docs.HandleFunc("/retries/{opId}", s.handleRetry).Methods(http.MethodPost)
	docs.HandleFunc("/retries/{opId}", s.handleDiscardRetry).Methods(http.MethodDelete)
	docs.HandleFunc("/notifications", s.handleNotifications).Methods(http.MethodGet)
	docs.HandleFunc("/presence", s.handlePresence).Methods(http.MethodGet)
	docs.HandleFunc("/presence/{userId}", s.handleUpdatePresence).Methods(http.MethodPut)
	docs.HandleFunc("/presence/{userId}", s.handleRemovePresence).Methods(http.MethodDelete)
	docs.HandleFunc("/updates", s.handleApplyUpdate).Methods(http.MethodPost)
	docs.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	docs.HandleFunc("/compact", s.handleCompact).Methods(http.MethodPost)
	docs.HandleFunc("/checkpoints", s.handleCreateCheckpoint).Methods(http.MethodPost)
	docs.HandleFunc("/checkpoints", s.handleListCheckpoints).Methods(http.MethodGet)
	docs.HandleFunc("/checkpoints/{cpId}", s.handleGetCheckpoint).Methods(http.MethodGet)
	docs.HandleFunc("/checkpoints/{cpId}/restore", s.handleRestoreCheckpoint).Methods(http.MethodPost)
	docs.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	return router
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"updateLog": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["updateLog"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	writeJSON(w, http.StatusOK, s.service.Search(search.Query{
		DocumentID: query.Get("documentId"),
		Text:       query.Get("q"),
		BlockType:  query.Get("type"),
		Limit:      limit,
		Offset:     offset,
	}))
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.service.Documents(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "open": s.service.OpenDocuments()})
}

func (s *HTTPServer) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	sess, err := s.service.Open(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return nil, false
	}
	return sess, true
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metadata": sess.Doc.Metadata(),
		"blocks":   sess.Doc.Blocks(),
	})
}

func (s *HTTPServer) handleReplaceBlocks(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActorID string          `json:"actorId"`
		Blocks  json.RawMessage `json:"blocks"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	md, err := s.service.ReplaceBlocks(r.Context(), mux.Vars(r)["id"], document.DecodeBlocks(body.Blocks), body.ActorID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metadata": md})
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req MutationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	result, err := s.service.Submit(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		status, code, message, _ := mapError(err)
		writeError(w, status, code, message, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleClearBlock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entry, err := s.service.ClearError(r.Context(), vars["id"], vars["blockId"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": sess.Status.Entries(),
		"counts":  sess.Status.Counts(),
	})
}

func (s *HTTPServer) handleBlockStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Status.Get(mux.Vars(r)["blockId"]))
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": sess.Status.History()})
}

func (s *HTTPServer) handleListRetries(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if blockID := r.URL.Query().Get("blockId"); blockID != "" {
		writeJSON(w, http.StatusOK, map[string]any{"operations": sess.Retries.RetryableForBlock(blockID)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": sess.Retries.List()})
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	result, err := s.service.Retry(r.Context(), vars["id"], vars["opId"])
	if err != nil {
		status, code, message, _ := mapError(err)
		writeError(w, status, code, message, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleDiscardRetry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.service.DiscardRetry(r.Context(), vars["id"], vars["opId"]); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": vars["opId"]})
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": sess.Notifications()})
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.Presence(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("scope") == "active")
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"presence": entries})
}

func (s *HTTPServer) handleUpdatePresence(w http.ResponseWriter, r *http.Request) {
	var update document.PresenceUpdate
	if err := decodeBody(r, &update); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	entry, err := s.service.UpdatePresence(r.Context(), vars["id"], vars["userId"], update)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *HTTPServer) handleRemovePresence(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.service.RemovePresence(r.Context(), vars["id"], vars["userId"]); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": vars["userId"]})
}

func (s *HTTPServer) handleApplyUpdate(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "could not read update body", nil)
		return
	}
	if len(payload) > maxUpdateBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "UPDATE_TOO_LARGE", fmt.Sprintf("update exceeds %d bytes", maxUpdateBytes), nil)
		return
	}
	md, err := s.service.ApplyRemote(r.Context(), mux.Vars(r)["id"], r.Header.Get("X-Replica-Origin"), payload)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metadata": md})
}

func (s *HTTPServer) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.State(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(state)
}

func (s *HTTPServer) handleCompact(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.service.Compact(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	snapshot.Payload = nil
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string `json:"name"`
		ActorID string `json:"actorId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	cp, err := s.service.Checkpoint(r.Context(), mux.Vars(r)["id"], body.Name, body.ActorID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (s *HTTPServer) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.Checkpoints(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": items})
}

func (s *HTTPServer) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	snapshot, err := s.service.CheckpointBlocks(r.Context(), vars["id"], vars["cpId"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handleRestoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActorID string `json:"actorId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	md, err := s.service.RestoreCheckpoint(r.Context(), vars["id"], vars["cpId"], body.ActorID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metadata": md})
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError && domainerr.KindOf(err) == "" {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, code, message, details)
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

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
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

// Hijack lets the stream endpoint upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Replica-Origin")
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
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
