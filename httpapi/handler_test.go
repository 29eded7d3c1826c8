package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rbaliyan/inbox"
	"github.com/rbaliyan/inbox/consumer"
	"github.com/rbaliyan/inbox/consumer/httpupstream"
	"github.com/rbaliyan/inbox/projector"
	"github.com/rbaliyan/inbox/store/file"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupServer(t *testing.T, opts ...Option) (inbox.Service, *httptest.Server) {
	t.Helper()
	ctx := context.Background()
	svc, err := inbox.NewService(inbox.WithStore(file.New("")), inbox.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { svc.Close(ctx) })

	up := inbox.NewLocalUpstream(svc,
		inbox.WithMaxPollWait(100*time.Millisecond),
		inbox.WithUpstreamLogger(quietLogger()),
	)
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	srv := httptest.NewServer(NewHandler(up, opts...))
	t.Cleanup(srv.Close)
	return svc, srv
}

func mention(seq int64, id, actor string) projector.Event {
	return projector.Event{
		Sequence:  seq,
		EventID:   id,
		TenantID:  "t1",
		RoomID:    "r1",
		ActorID:   "author",
		Type:      projector.TypeMentionCreated,
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload:   map[string]any{"mentionedActorId": actor},
	}
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandlerStatusMapping(t *testing.T) {
	_, srv := setupServer(t)

	tests := []struct {
		name   string
		do     func() *http.Response
		status int
	}{
		{
			name: "bootstrap missing actor",
			do: func() *http.Response {
				return post(t, srv.URL+"/v1/bootstrap", map[string]string{"tenantId": "t1", "roomId": "r1"})
			},
			status: http.StatusBadRequest,
		},
		{
			name: "malformed json",
			do: func() *http.Response {
				resp, err := http.Post(srv.URL+"/v1/ack", "application/json", bytes.NewBufferString("{"))
				if err != nil {
					t.Fatalf("post: %v", err)
				}
				t.Cleanup(func() { resp.Body.Close() })
				return resp
			},
			status: http.StatusBadRequest,
		},
		{
			name: "poll without presence",
			do: func() *http.Response {
				resp, err := http.Get(srv.URL + "/v1/events?actorId=kai&tenantId=t1&roomId=r1&cursor=0")
				if err != nil {
					t.Fatalf("get: %v", err)
				}
				t.Cleanup(func() { resp.Body.Close() })
				return resp
			},
			status: http.StatusGone,
		},
		{
			name: "bad waitMs",
			do: func() *http.Response {
				resp, err := http.Get(srv.URL + "/v1/events?actorId=kai&tenantId=t1&roomId=r1&waitMs=soon")
				if err != nil {
					t.Fatalf("get: %v", err)
				}
				t.Cleanup(func() { resp.Body.Close() })
				return resp
			},
			status: http.StatusBadRequest,
		},
		{
			name: "enter",
			do: func() *http.Response {
				return post(t, srv.URL+"/v1/presence/enter", consumer.PresenceRequest{ActorID: "kai", TenantID: "t1", RoomID: "r1"})
			},
			status: http.StatusNoContent,
		},
		{
			name: "wrong method",
			do: func() *http.Response {
				resp, err := http.Get(srv.URL + "/v1/bootstrap")
				if err != nil {
					t.Fatalf("get: %v", err)
				}
				t.Cleanup(func() { resp.Body.Close() })
				return resp
			},
			status: http.StatusMethodNotAllowed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tt.do()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if resp.Header.Get(HeaderRequestID) == "" && tt.status != http.StatusMethodNotAllowed {
				t.Error("missing request id header")
			}
		})
	}
}

func TestHandlerBootstrapRateLimit(t *testing.T) {
	_, srv := setupServer(t, WithBootstrapLimit(time.Minute, 1))
	req := consumer.BootstrapRequest{ActorID: "kai", TenantID: "t1", RoomID: "r1"}

	if resp := post(t, srv.URL+"/v1/bootstrap", req); resp.StatusCode != http.StatusOK {
		t.Fatalf("first bootstrap status = %d", resp.StatusCode)
	}
	resp := post(t, srv.URL+"/v1/bootstrap", req)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second bootstrap status = %d, want 429", resp.StatusCode)
	}
	reset, err := strconv.ParseInt(resp.Header.Get(HeaderRateLimitReset), 10, 64)
	if err != nil {
		t.Fatalf("bad reset header: %v", err)
	}
	if d := time.Until(time.Unix(reset, 0)); d < 50*time.Second || d > 61*time.Second {
		t.Errorf("reset in %v, want about a minute", d)
	}
	if resp.Header.Get(HeaderRetryAfter) == "" {
		t.Error("missing Retry-After")
	}

	// Other actors have their own budget.
	other := consumer.BootstrapRequest{ActorID: "mia", TenantID: "t1", RoomID: "r1"}
	if resp := post(t, srv.URL+"/v1/bootstrap", other); resp.StatusCode != http.StatusOK {
		t.Errorf("other actor status = %d, want 200", resp.StatusCode)
	}

	// The client surfaces the reset time.
	c := httpupstream.New(srv.URL)
	_, err = c.Bootstrap(context.Background(), req)
	var rl *consumer.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if d := rl.ResetAt.Unix() - reset; d < -1 || d > 1 {
		t.Errorf("client reset %d, server advertised %d", rl.ResetAt.Unix(), reset)
	}
}

// TestEndToEnd drives a consumer over HTTP against a live service.
func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	svc, srv := setupServer(t)

	if _, err := svc.ProjectEvent(ctx, mention(1, "e1", "kai")); err != nil {
		t.Fatalf("project: %v", err)
	}

	c, err := consumer.New(httpupstream.New(srv.URL), consumer.Config{
		ActorID:   "kai",
		TenantID:  "t1",
		RoomID:    "r1",
		PollWait:  100 * time.Millisecond,
		BaseDelay: time.Millisecond,
		Jitter:    -1,
		AutoAck:   true,
		Heartbeat: true,
	}, consumer.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	recv := func() consumer.Message {
		t.Helper()
		for {
			select {
			case msg := <-c.Messages():
				if _, isErr := msg.(consumer.ErrorMessage); isErr {
					continue
				}
				return msg
			case <-time.After(3 * time.Second):
				t.Fatal("timed out waiting for message")
			}
		}
	}

	if msg, ok := recv().(consumer.EventMessage); !ok || msg.Event.Type != projector.TypeMentionCreated {
		t.Fatalf("expected backlog event, got %#v", msg)
	}

	if _, err := svc.ProjectEvent(ctx, mention(2, "e2", "kai")); err != nil {
		t.Fatalf("project: %v", err)
	}
	live, ok := recv().(consumer.EventMessage)
	if !ok {
		t.Fatalf("expected live event, got %#v", live)
	}
	if _, ok := recv().(consumer.BatchMessage); !ok {
		t.Fatal("expected batch after live event")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		n, err := svc.CountUnread(ctx, inbox.UnreadFilter{TenantID: "t1", ActorID: "kai"})
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("auto-ack left %d unread", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestHandlerOTel(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	_, srv := setupServer(t, WithOTel(true), WithTracerProvider(tp))

	post(t, srv.URL+"/v1/presence/enter", consumer.PresenceRequest{ActorID: "kai", TenantID: "t1", RoomID: "r1"})
	deadline := time.Now().Add(time.Second)
	for len(sr.Ended()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected a server span")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
