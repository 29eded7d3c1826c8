// Package httpapi serves a consumer.Upstream over HTTP with a JSON protocol.
//
// Routes:
//
//	POST /v1/bootstrap        {actorId, tenantId, roomId}            -> {roomId, inbox, cursor}
//	GET  /v1/events           ?actorId&tenantId&roomId&cursor&waitMs&types&heartbeat
//	                                                                   -> {events, nextCursor}
//	POST /v1/ack              {actorId, tenantId, roomId, ids, upToCursor}
//	POST /v1/presence/enter   {actorId, tenantId, roomId}
//	POST /v1/presence/leave   {actorId, tenantId, roomId}
//
// Validation failures are 400, an invalidated session is 410 and a rate
// limited call is 429 with X-RateLimit-Reset (unix seconds) and Retry-After.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rbaliyan/inbox/consumer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// Handler serves the inbox wire protocol.
type Handler struct {
	up      consumer.Upstream
	opts    *options
	handler http.Handler

	mu       sync.Mutex
	limiters map[limiterKey]*rate.Limiter
}

type limiterKey struct {
	tenantID string
	actorID  string
}

// NewHandler creates a handler serving up.
func NewHandler(up consumer.Upstream, opts ...Option) *Handler {
	h := &Handler{
		up:       up,
		opts:     newOptions(opts...),
		limiters: make(map[limiterKey]*rate.Limiter),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/bootstrap", h.bootstrap)
	mux.HandleFunc("GET /v1/events", h.events)
	mux.HandleFunc("POST /v1/ack", h.ack)
	mux.HandleFunc("POST /v1/presence/enter", h.enter)
	mux.HandleFunc("POST /v1/presence/leave", h.leave)

	var next http.Handler = mux
	next = requestIDMiddleware(next)
	next = recoveryMiddleware(h.opts.logger)(next)
	if h.opts.otelEnabled {
		var otelOpts []otelhttp.Option
		if h.opts.tracerProvider != nil {
			otelOpts = append(otelOpts, otelhttp.WithTracerProvider(h.opts.tracerProvider))
		}
		if h.opts.meterProvider != nil {
			otelOpts = append(otelOpts, otelhttp.WithMeterProvider(h.opts.meterProvider))
		}
		next = otelhttp.NewHandler(next, "inbox", otelOpts...)
	}
	h.handler = next
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *Handler) bootstrap(w http.ResponseWriter, r *http.Request) {
	var req consumer.BootstrapRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.allowBootstrap(req.TenantID, req.ActorID); err != nil {
		writeUpstreamError(w, r, h.opts.logger, err)
		return
	}
	resp, err := h.up.Bootstrap(r.Context(), req)
	if err != nil {
		writeUpstreamError(w, r, h.opts.logger, err)
		return
	}
	if resp.Inbox == nil {
		resp.Inbox = []consumer.Event{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := consumer.PollRequest{
		ActorID:  q.Get("actorId"),
		TenantID: q.Get("tenantId"),
		RoomID:   q.Get("roomId"),
		Cursor:   q.Get("cursor"),
	}
	if v := q.Get("waitMs"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			writeError(w, r, http.StatusBadRequest, "waitMs must be a non-negative integer")
			return
		}
		req.Wait = time.Duration(ms) * time.Millisecond
	}
	if v := q.Get("types"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				req.Types = append(req.Types, t)
			}
		}
	}
	if v := q.Get("heartbeat"); v != "" {
		hb, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "heartbeat must be a boolean")
			return
		}
		req.Heartbeat = hb
	}

	resp, err := h.up.Poll(r.Context(), req)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away mid long-poll.
			return
		}
		writeUpstreamError(w, r, h.opts.logger, err)
		return
	}
	if resp.Events == nil {
		resp.Events = []consumer.Event{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ack(w http.ResponseWriter, r *http.Request) {
	var req consumer.AckRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.up.Ack(r.Context(), req)
	if err != nil {
		writeUpstreamError(w, r, h.opts.logger, err)
		return
	}
	if resp.AckedIDs == nil {
		resp.AckedIDs = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) enter(w http.ResponseWriter, r *http.Request) {
	var req consumer.PresenceRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.up.Enter(r.Context(), req); err != nil {
		writeUpstreamError(w, r, h.opts.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) leave(w http.ResponseWriter, r *http.Request) {
	var req consumer.PresenceRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.up.Leave(r.Context(), req); err != nil {
		writeUpstreamError(w, r, h.opts.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body into dst, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, h.opts.maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		msg := "invalid JSON body"
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			msg = "request body too large"
		case errors.Is(err, io.EOF):
			msg = "request body is empty"
		default:
			msg = fmt.Sprintf("%s: %v", msg, err)
		}
		writeError(w, r, http.StatusBadRequest, msg)
		return false
	}
	return true
}

// allowBootstrap applies the per-actor bootstrap limit.
func (h *Handler) allowBootstrap(tenantID, actorID string) error {
	if h.opts.bootstrapInterval <= 0 {
		return nil
	}
	key := limiterKey{tenantID: tenantID, actorID: actorID}
	h.mu.Lock()
	lim, ok := h.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(h.opts.bootstrapInterval), h.opts.bootstrapBurst)
		h.limiters[key] = lim
	}
	h.mu.Unlock()

	now := h.opts.now()
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return &consumer.RateLimitError{}
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return &consumer.RateLimitError{ResetAt: now.Add(d)}
	}
	return nil
}
