package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docdb"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const apiPrefix = "/api/v1/documents/"

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...interface{}) error {
	return errors.Wrapf(errBadRequest, format, args...)
}

type server struct {
	db     *docdb.DB
	logger log.FieldLogger
}

// newServer routes the document API, /ping and /metrics.
func newServer(db *docdb.DB, logger log.FieldLogger, gatherer prometheus.Gatherer) http.Handler {
	s := &server{db: db, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc(apiPrefix+"create", method(http.MethodPost, s.handleCreate))
	mux.HandleFunc(apiPrefix+"get", method(http.MethodGet, s.handleGet))
	mux.HandleFunc(apiPrefix+"list", method(http.MethodGet, s.handleList))
	mux.HandleFunc(apiPrefix+"update", method(http.MethodPost, s.handleUpdate))
	mux.HandleFunc(apiPrefix+"delete", method(http.MethodPost, s.handleDelete))
	mux.HandleFunc(apiPrefix+"clear", method(http.MethodPost, s.handleClear))
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s.logRequests(mux)
}

func method(want string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != want {
			w.Header().Set("Allow", want)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

type documentJSON struct {
	ID        uint64  `json:"id"`
	Owner     string  `json:"owner"`
	Created   string  `json:"created"`
	Updated   string  `json:"updated"`
	Name      string  `json:"name"`
	Namespace string  `json:"namespace"`
	Payload   *string `json:"payload"`
}

func toJSON(doc docdb.Document) documentJSON {
	out := documentJSON{
		ID:        uint64(doc.Info.ID),
		Owner:     doc.Info.Owner,
		Created:   doc.Info.Created.UTC().Format(time.RFC3339Nano),
		Updated:   doc.Info.Updated.UTC().Format(time.RFC3339Nano),
		Name:      doc.Info.Name,
		Namespace: doc.Info.Namespace,
	}
	if doc.Payload != nil {
		payload := string(doc.Payload)
		out.Payload = &payload
	}
	return out
}

type createRequest struct {
	Name      *string `json:"name"`
	Owner     *string `json:"owner"`
	Namespace *string `json:"namespace"`
	Payload   *string `json:"payload"`
}

type updateRequest struct {
	ID        *uint64 `json:"id"`
	Name      *string `json:"name"`
	Owner     *string `json:"owner"`
	Namespace *string `json:"namespace"`
	Payload   *string `json:"payload"`
}

type deleteRequest struct {
	ID *uint64 `json:"id"`
}

func (s *server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("pong"))
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	for _, field := range []struct {
		key   string
		value *string
	}{
		{"name", req.Name},
		{"owner", req.Owner},
		{"namespace", req.Namespace},
		{"payload", req.Payload},
	} {
		if field.value == nil {
			s.writeError(w, badRequest("key '%s' is required", field.key))
			return
		}
	}

	doc, err := s.db.Add(docdb.DocumentInput{
		Name:      *req.Name,
		Owner:     *req.Owner,
		Namespace: *req.Namespace,
		Payload:   []byte(*req.Payload),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(doc))
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := queryID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	doc, err := s.db.Get(id, true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(doc))
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	docs, err := s.db.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]documentJSON, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toJSON(doc))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ID == nil {
		s.writeError(w, badRequest("key 'id' is required"))
		return
	}

	update := docdb.DocumentUpdate{
		Name:      req.Name,
		Owner:     req.Owner,
		Namespace: req.Namespace,
	}
	if req.Payload != nil {
		update.Payload = []byte(*req.Payload)
	}
	doc, err := s.db.Update(docdb.DocumentID(*req.ID), update)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(doc))
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ID == nil {
		s.writeError(w, badRequest("key 'id' is required"))
		return
	}
	doc, err := s.db.Delete(docdb.DocumentID(*req.ID))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(doc))
}

func (s *server) handleClear(w http.ResponseWriter, r *http.Request) {
	count, err := s.db.Clear()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"items_deleted": count})
}

func queryID(r *http.Request) (docdb.DocumentID, error) {
	raw := r.URL.Query().Get("id")
	if raw == "" {
		return 0, badRequest("parameter 'id' not found")
	}
	if strings.HasPrefix(raw, "-") {
		return 0, badRequest("parameter 'id' is invalid")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, badRequest("parameter 'id' is invalid")
	}
	return docdb.DocumentID(id), nil
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid json: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, docdb.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, docdb.ErrPayloadTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, docdb.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(started),
		}).Debug("request served")
	})
}
