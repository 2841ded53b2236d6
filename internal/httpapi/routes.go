package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"

	"github.com/gorilla/mux"

	"chatnotify/internal/batch"
	"chatnotify/internal/presence"
	"chatnotify/internal/sweep"
	"chatnotify/internal/usage"
	logx "chatnotify/pkg/logx"
)

type Ingest interface {
	OnMessage(ctx context.Context, m batch.Message) (batch.Outcome, error)
}

type Presence interface {
	SetActive(ctx context.Context, userID, conversationID string) error
	ClearActive(ctx context.Context, userID string)
	IsActive(ctx context.Context, userID, conversationID string) bool
}

type Sweeper interface {
	Sweep(ctx context.Context) []sweep.Result
}

type Gate interface {
	Allow(ctx context.Context, subject string, limit int64) (int64, error)
}

// Deps wires the handlers to the pipeline.
type Deps struct {
	Ingest   Ingest
	Presence Presence
	Sweeper  Sweeper
	Gate     Gate
	// Limit returns the current daily per-sender cap; 0 disables the gate.
	Limit  func() int64
	Health func() any
	Pprof  bool
	Log    logx.Logger
}

type handlers struct {
	Deps
	ws *wsRegistry
}

// NewRouter builds the ingress routes. The returned registry tracks open
// websocket sessions so the server can close them on shutdown.
func NewRouter(d Deps) (*mux.Router, *wsRegistry) {
	h := &handlers{Deps: d, ws: newWSRegistry()}
	r := mux.NewRouter()
	r.Use(h.recoverer)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/messages", h.postMessage).Methods(http.MethodPost)
	v1.HandleFunc("/presence/{user}", h.putPresence).Methods(http.MethodPut)
	v1.HandleFunc("/presence/{user}", h.deletePresence).Methods(http.MethodDelete)
	v1.HandleFunc("/presence/{user}", h.getPresence).Methods(http.MethodGet)
	v1.HandleFunc("/ws/{user}", h.serveWS)
	v1.HandleFunc("/sweep", h.postSweep).Methods(http.MethodPost)
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)

	if d.Pprof {
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
	}
	return r, h.ws
}

func (h *handlers) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				h.Log.Error("handler panicked", logx.String("path", r.URL.Path), logx.Any("panic", p))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) postMessage(w http.ResponseWriter, r *http.Request) {
	var m batch.Message
	if err := decodeJSON(w, r, &m); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := m.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.Gate != nil && h.Limit != nil {
		n, err := h.Gate.Allow(r.Context(), m.SenderID, h.Limit())
		switch {
		case errors.Is(err, usage.ErrLimitExceeded):
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": err.Error(), "used": n})
			return
		case err != nil:
			// Counter outages fail open.
			h.Log.Warn("usage gate failed", logx.String("sender", m.SenderID), logx.Any("err", err))
		}
	}

	out, err := h.Ingest.OnMessage(r.Context(), m)
	if err != nil {
		// Notification bookkeeping never blocks the message itself.
		h.Log.Warn("message not batched", logx.String("recipient", m.RecipientID), logx.Any("err", err))
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"outcome": out})
}

type presenceBody struct {
	ConversationID string `json:"conversation_id"`
}

func (h *handlers) putPresence(w http.ResponseWriter, r *http.Request) {
	var body presenceBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Presence.SetActive(r.Context(), mux.Vars(r)["user"], body.ConversationID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, presence.ErrInvalid) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) deletePresence(w http.ResponseWriter, r *http.Request) {
	h.Presence.ClearActive(r.Context(), mux.Vars(r)["user"])
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) getPresence(w http.ResponseWriter, r *http.Request) {
	conv := r.URL.Query().Get("conversation_id")
	if conv == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	active := h.Presence.IsActive(r.Context(), mux.Vars(r)["user"], conv)
	writeJSON(w, http.StatusOK, map[string]bool{"active": active})
}

type sweepResult struct {
	sweep.Result
	Error string `json:"error,omitempty"`
}

func (h *handlers) postSweep(w http.ResponseWriter, r *http.Request) {
	results := h.Sweeper.Sweep(r.Context())
	out := make([]sweepResult, 0, len(results))
	for _, res := range results {
		sr := sweepResult{Result: res}
		if res.Err != nil {
			sr.Error = res.Err.Error()
		}
		out = append(out, sr)
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": sweep.Summarize(results), "results": out})
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	var body any = map[string]string{"status": "ok"}
	if h.Health != nil {
		body = h.Health()
	}
	writeJSON(w, http.StatusOK, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid json: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
