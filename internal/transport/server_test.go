package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/mozilla-services/channelserver/internal/broker"
	"github.com/mozilla-services/channelserver/internal/session"
)

func TestParseChannelPathCreate(t *testing.T) {
	id, initial, kind, err := parseChannelPath("/v1/ws/")
	if err != nil {
		t.Fatalf("parseChannelPath: %v", err)
	}
	if !initial {
		t.Fatal("expected initial_connect=true for create path")
	}
	if kind != "new" {
		t.Fatalf("kind = %q, want new", kind)
	}
	if id.String() == "" {
		t.Fatal("expected a generated channel id")
	}
}

func TestParseChannelPathJoin(t *testing.T) {
	created, _, _, _ := parseChannelPath("/v1/ws/")
	id, initial, kind, err := parseChannelPath("/v1/ws/" + created.String())
	if err != nil {
		t.Fatalf("parseChannelPath: %v", err)
	}
	if initial {
		t.Fatal("expected initial_connect=false for join path")
	}
	if kind != "existing" {
		t.Fatalf("kind = %q, want existing", kind)
	}
	if id != created {
		t.Fatalf("id = %v, want %v", id, created)
	}
}

func TestParseChannelPathInvalid(t *testing.T) {
	_, _, kind, err := parseChannelPath("/v1/ws/not-valid!!")
	if err == nil {
		t.Fatal("expected error for invalid channel id")
	}
	if kind != "error" {
		t.Fatalf("kind = %q, want error", kind)
	}
}

func TestParseChannelPathNone(t *testing.T) {
	_, _, kind, err := parseChannelPath("/other/path")
	if err != nil {
		t.Fatalf("parseChannelPath: %v", err)
	}
	if kind != "none" {
		t.Fatalf("kind = %q, want none", kind)
	}
}

func TestHealthEndpoints(t *testing.T) {
	b := broker.New(broker.Config{MaxChannelConnections: 3}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	deps := Deps{
		Broker:      b,
		Logger:      zerolog.Nop(),
		SessionCfg:  session.Config{Heartbeat: time.Minute, ClientTimeout: time.Minute, ConnLifespan: time.Hour},
		Version:     "test",
		VersionJSON: `{"version":"test"}`,
	}
	mux := NewMux(deps)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/__lbheartbeat__")
	if err != nil {
		t.Fatalf("GET /__lbheartbeat__: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	resp, err = srv.Client().Get(srv.URL + "/__heartbeat__")
	if err != nil {
		t.Fatalf("GET /__heartbeat__: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	resp, err = srv.Client().Get(srv.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWebSocketCreateReceivesLinkFrame(t *testing.T) {
	b := broker.New(broker.Config{MaxChannelConnections: 3}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	deps := Deps{
		Broker:      b,
		Logger:      zerolog.Nop(),
		SessionCfg:  session.Config{Heartbeat: time.Hour, ClientTimeout: time.Hour, ConnLifespan: time.Hour},
		Version:     "test",
		VersionJSON: `{"version":"test"}`,
	}
	srv := httptest.NewServer(NewMux(deps))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws/"
	connA, _, _, err := ws.Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("dial A: %v", err)
	}
	defer connA.Close()

	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	linkMsg, _, err := wsutil.ReadServerData(connA)
	if err != nil {
		t.Fatalf("read link frame: %v", err)
	}
	if len(linkMsg) == 0 {
		t.Fatal("expected non-empty link frame")
	}
}
