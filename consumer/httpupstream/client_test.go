package httpupstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rbaliyan/inbox/consumer"
)

func TestClientErrorMapping(t *testing.T) {
	reset := time.Now().Add(90 * time.Second).Truncate(time.Second)

	tests := []struct {
		name    string
		status  int
		headers map[string]string
		check   func(t *testing.T, err error)
	}{
		{
			name:   "gone",
			status: http.StatusGone,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, consumer.ErrSessionInvalidated) {
					t.Errorf("expected ErrSessionInvalidated, got %v", err)
				}
			},
		},
		{
			name:   "bad request",
			status: http.StatusBadRequest,
			check: func(t *testing.T, err error) {
				var se *consumer.StatusError
				if !errors.As(err, &se) || se.Body != "nope" || !errors.Is(err, consumer.ErrBadRequest) {
					t.Errorf("expected bad request with body, got %v", err)
				}
			},
		},
		{
			name:    "rate limit reset header",
			status:  http.StatusTooManyRequests,
			headers: map[string]string{"X-RateLimit-Reset": strconv.FormatInt(reset.Unix(), 10)},
			check: func(t *testing.T, err error) {
				var rl *consumer.RateLimitError
				if !errors.As(err, &rl) || !rl.ResetAt.Equal(reset) {
					t.Errorf("expected reset %v, got %v", reset, err)
				}
			},
		},
		{
			name:    "rate limit retry after",
			status:  http.StatusTooManyRequests,
			headers: map[string]string{"Retry-After": "30"},
			check: func(t *testing.T, err error) {
				var rl *consumer.RateLimitError
				if !errors.As(err, &rl) {
					t.Fatalf("expected RateLimitError, got %v", err)
				}
				if d := time.Until(rl.ResetAt); d < 25*time.Second || d > 31*time.Second {
					t.Errorf("reset in %v, want about 30s", d)
				}
			},
		},
		{
			name:   "rate limit without headers",
			status: http.StatusTooManyRequests,
			check: func(t *testing.T, err error) {
				var rl *consumer.RateLimitError
				if !errors.As(err, &rl) || !rl.ResetAt.IsZero() || !errors.Is(err, consumer.ErrRateLimited) {
					t.Errorf("expected zero reset, got %v", err)
				}
			},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			check: func(t *testing.T, err error) {
				if consumer.StatusCode(err) != http.StatusInternalServerError {
					t.Errorf("expected 500, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]string{"error": "nope"})
			}))
			defer srv.Close()

			c := New(srv.URL)
			_, err := c.Bootstrap(context.Background(), consumer.BootstrapRequest{ActorID: "kai", TenantID: "t1"})
			if err == nil {
				t.Fatal("expected error")
			}
			tt.check(t, err)
		})
	}
}

func TestClientPollRequest(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(consumer.PollResponse{
			Events:     []consumer.Event{{ID: "i1", Cursor: "4", Type: "mention_created"}},
			NextCursor: "4",
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", WithHeader("Authorization", "Bearer token"))
	resp, err := c.Poll(context.Background(), consumer.PollRequest{
		ActorID:   "kai",
		TenantID:  "t1",
		RoomID:    "lobby",
		Cursor:    "3",
		Wait:      1500 * time.Millisecond,
		Types:     []string{"mention", "task"},
		Heartbeat: true,
	})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if resp.NextCursor != "4" || len(resp.Events) != 1 || resp.Events[0].ID != "i1" {
		t.Errorf("unexpected response: %+v", resp)
	}

	if got.Method != http.MethodGet || got.URL.Path != "/v1/events" {
		t.Errorf("unexpected request %s %s", got.Method, got.URL.Path)
	}
	q := got.URL.Query()
	want := map[string]string{
		"actorId":   "kai",
		"tenantId":  "t1",
		"roomId":    "lobby",
		"cursor":    "3",
		"waitMs":    "1500",
		"types":     "mention,task",
		"heartbeat": "true",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("query %s = %q, want %q", k, q.Get(k), v)
		}
	}
	if got.Header.Get("Authorization") != "Bearer token" {
		t.Error("custom header not sent")
	}
}

func TestClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, WithTimeout(time.Second))
	err := c.Enter(context.Background(), consumer.PresenceRequest{ActorID: "kai", TenantID: "t1", RoomID: "r1"})
	if err == nil {
		t.Fatal("expected transport error")
	}
	var se *consumer.StatusError
	if errors.As(err, &se) {
		t.Errorf("transport failure should not be a status error: %v", err)
	}
}
