package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/txcache/internal/logging"
	"github.com/IvanBrykalov/txcache/object"
	"github.com/IvanBrykalov/txcache/protocol"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 20

// Handler serves a protocol.Node over HTTP/JSON.
type Handler struct {
	node   protocol.Node
	logger *zap.Logger
	router *mux.Router
}

// NewHandler routes the node API under /v1. Callers may add routes (such as
// /metrics) through Router.
func NewHandler(node protocol.Node, logger *zap.Logger) *Handler {
	h := &Handler{node: node, logger: logging.Subsystem(logger, "http")}
	r := mux.NewRouter().UseEncodedPath()
	r.HandleFunc("/v1/ping", h.handlePing).Methods("GET").Name("Ping")
	r.HandleFunc("/v1/objects", h.handlePut).Methods("PUT").Name("PutObject")
	r.HandleFunc("/v1/objects/{type}", h.handleScan).Methods("GET").Name("ScanObjects")
	r.HandleFunc("/v1/objects/{type}/{kind}/{key}", h.handleGet).Methods("GET").Name("GetObject")
	r.HandleFunc("/v1/objects/{type}/{kind}/{key}", h.handleDelete).Methods("DELETE").Name("DeleteObject")
	r.HandleFunc("/v1/count/{type}", h.handleCount).Methods("GET").Name("CountObjects")
	r.HandleFunc("/v1/txn/prepare", h.handlePrepare).Methods("POST").Name("PrepareTransaction")
	r.HandleFunc("/v1/txn/{id}/commit", h.handleCommit).Methods("POST").Name("CommitTransaction")
	r.HandleFunc("/v1/txn/{id}/rollback", h.handleRollback).Methods("POST").Name("RollbackTransaction")
	r.HandleFunc("/v1/sequences/{name}", h.handleSequence).Methods("POST").Name("GenerateUniqueIDs")
	r.HandleFunc("/v1/admin/compact", h.handleCompact).Methods("POST").Name("Compact")
	h.router = r
	return h
}

// Router exposes the underlying router for additional routes.
func (h *Handler) Router() *mux.Router { return h.router }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.router.ServeHTTP(w, r) }

type countResponse struct {
	Count int `json:"count"`
}

type sequenceResponse struct {
	IDs []int64 `json:"ids"`
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	typ, key, ok := h.target(w, r)
	if !ok {
		return
	}
	obj, err := h.node.Get(r.Context(), typ, key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, obj)
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	var obj object.CachedObject
	if !h.readJSON(w, r, &obj) {
		return
	}
	if err := h.node.Put(r.Context(), &obj); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	typ, key, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.node.Delete(r.Context(), typ, key); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	objs, err := h.node.Scan(r.Context(), vars(r)["type"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	if objs == nil {
		objs = []*object.CachedObject{}
	}
	h.writeJSON(w, http.StatusOK, objs)
}

func (h *Handler) handleCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.node.Count(r.Context(), vars(r)["type"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (h *Handler) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req protocol.PrepareRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	resp, err := h.node.Prepare(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	if err := h.node.Commit(r.Context(), vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	if err := h.node.Rollback(r.Context(), vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSequence(w http.ResponseWriter, r *http.Request) {
	count := 1
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, protocol.Errorf(protocol.KindInvalidRequest, "bad count %q", raw))
			return
		}
		count = n
	}
	ids, err := h.node.GenerateUniqueIDs(r.Context(), vars(r)["name"], count)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sequenceResponse{IDs: ids})
}

func (h *Handler) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := h.node.Compact(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// target parses the {type}/{kind}/{key} route variables.
func (h *Handler) target(w http.ResponseWriter, r *http.Request) (string, object.KeyValue, bool) {
	v := vars(r)
	key, err := object.ParseKey(v["kind"], v["key"])
	if err != nil {
		h.writeError(w, protocol.Wrap(protocol.KindInvalidRequest, err))
		return "", object.KeyValue{}, false
	}
	return v["type"], key, true
}

// vars returns the decoded route variables; the router matches on the
// escaped path so that keys may contain slashes.
func vars(r *http.Request) map[string]string {
	raw := mux.Vars(r)
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if dec, err := url.PathUnescape(v); err == nil {
			v = dec
		}
		out[k] = v
	}
	return out
}

func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		h.writeError(w, protocol.Wrap(protocol.KindInvalidRequest, err))
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("http.write", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		pe = protocol.Wrap(protocol.KindInternal, err)
	}
	status := statusFor(pe.Kind)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("http.error", zap.String("kind", string(pe.Kind)), zap.Error(err))
	}
	h.writeJSON(w, status, pe)
}

func statusFor(kind protocol.ErrorKind) int {
	switch kind {
	case protocol.KindNotFound, protocol.KindUnknownTransaction:
		return http.StatusNotFound
	case protocol.KindInvalidRequest:
		return http.StatusBadRequest
	case protocol.KindDuplicateKey, protocol.KindConditionNotSatisfied, protocol.KindLockTimeout:
		return http.StatusConflict
	case protocol.KindNodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
