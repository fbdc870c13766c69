package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/mozilla-services/channelserver/internal/broker"
	"github.com/mozilla-services/channelserver/internal/channelid"
	"github.com/mozilla-services/channelserver/internal/meta"
)

func newBroker(t *testing.T) (*broker.Broker, context.CancelFunc) {
	t.Helper()
	b := broker.New(broker.Config{MaxChannelConnections: 3}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	return b, cancel
}

func TestSessionReceivesLinkFrame(t *testing.T) {
	brk, cancelBrk := newBroker(t)
	defer cancelBrk()

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	ch, _ := channelid.Generate()
	s := New(serverConn, ch, true, meta.SenderMeta{Remote: "1.2.3.4"}, "1.2.3.4", brk, nil, zerolog.Nop(),
		Config{Heartbeat: time.Hour, ClientTimeout: time.Hour, ConnLifespan: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, op, err := wsutil.ReadServerData(clientConn)
	if err != nil {
		t.Fatalf("ReadServerData: %v", err)
	}
	if op != ws.OpText {
		t.Fatalf("op = %v, want OpText", op)
	}
	if len(msg) == 0 {
		t.Fatal("expected non-empty link frame")
	}
}

func TestSessionClosesOnContinuationFrame(t *testing.T) {
	brk, cancelBrk := newBroker(t)
	defer cancelBrk()

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	ch, _ := channelid.Generate()
	s := New(serverConn, ch, true, meta.SenderMeta{Remote: "1.2.3.4"}, "1.2.3.4", brk, nil, zerolog.Nop(),
		Config{Heartbeat: time.Hour, ClientTimeout: time.Hour, ConnLifespan: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := wsutil.ReadServerData(clientConn); err != nil {
		t.Fatalf("ReadServerData (initial frame): %v", err)
	}

	if err := ws.WriteFrame(clientConn, ws.NewFrame(ws.OpContinuation, true, []byte("x"))); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected session to close after continuation frame")
	}
}
