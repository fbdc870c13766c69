// Package session implements the per-socket state machine: register
// with the broker, pump WebSocket frames, heartbeat, and honor the
// lifespan/idle deadlines, mirroring the original actor's
// Connecting/Attached/Closing lifecycle.
package session

import (
	"bytes"
	"context"
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/mozilla-services/channelserver/internal/broker"
	"github.com/mozilla-services/channelserver/internal/channelid"
	"github.com/mozilla-services/channelserver/internal/meta"
	"github.com/mozilla-services/channelserver/internal/metrics"
)

// Config bounds a session's timing behavior, drawn from Settings.
type Config struct {
	Heartbeat     time.Duration
	ClientTimeout time.Duration
	ConnLifespan  time.Duration
}

// Session owns one upgraded WebSocket connection from Connect through
// Closing.
type Session struct {
	conn           net.Conn
	channel        channelid.ID
	remote         string
	sender         meta.SenderMeta
	initialConnect bool

	brk     *broker.Broker
	metrics metrics.Metrics
	logger  zerolog.Logger
	cfg     Config

	id      uint64
	deliver chan broker.ServerFrame

	// onTerminate, when set, is called once the session is torn down
	// for a quota violation, so the caller can report the offending
	// remote to the IP reputation service.
	onTerminate func(reason broker.Reason)
}

// New builds a Session for an already-upgraded connection.
func New(conn net.Conn, channel channelid.ID, initialConnect bool, sender meta.SenderMeta, remote string, brk *broker.Broker, m metrics.Metrics, logger zerolog.Logger, cfg Config, onTerminate func(broker.Reason)) *Session {
	return &Session{
		conn:           conn,
		channel:        channel,
		remote:         remote,
		sender:         sender,
		initialConnect: initialConnect,
		brk:            brk,
		metrics:        m,
		logger:         logger.With().Str("channel", channel.String()).Str("remote_ip", remote).Logger(),
		cfg:            cfg,
		deliver:        make(chan broker.ServerFrame, 16),
		onTerminate:    onTerminate,
	}
}

type inboundEvent struct {
	op      ws.OpCode
	payload []byte
	err     error
}

// Run drives the session to completion: Connecting, Attached, Closing.
// It returns once the socket is closed; ctx cancellation forces an
// early Closing transition.
func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()

	started := time.Now()

	reply := make(chan uint64, 1)
	if !s.brk.Connect(broker.ConnectRequest{
		Channel:        s.channel,
		Remote:         s.remote,
		Sender:         s.sender,
		InitialConnect: s.initialConnect,
		Deliver:        s.deliver,
		Reply:          reply,
	}) {
		s.logger.Error().Msg("broker mailbox unavailable, rejecting connect")
		return
	}

	var id uint64
	select {
	case id = <-reply:
	case <-time.After(5 * time.Second):
		s.logger.Error().Msg("broker did not reply to connect in time")
		return
	case <-ctx.Done():
		return
	}

	if id == 0 {
		s.logger.Debug().Msg("connect rejected by broker")
		return
	}
	s.id = id
	s.logger.Debug().Uint64("session", id).Msg("session attached")

	defer func() {
		if s.metrics != nil {
			s.metrics.ConnLength(time.Since(started))
		}
		s.brk.Disconnect(broker.DisconnectRequest{Channel: s.channel, SessionID: s.id, Reason: broker.ReasonNone})
	}()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan inboundEvent, 4)
	go s.readLoop(sessCtx, events)

	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	lastHeartbeat := time.Now()
	expiry := started.Add(s.cfg.ConnLifespan)

	for {
		select {
		case <-ctx.Done():
			return

		case frame, ok := <-s.deliver:
			if !ok {
				return
			}
			switch frame.Kind {
			case broker.FrameText:
				if err := s.writeText(frame.Payload); err != nil {
					s.logger.Debug().Err(err).Msg("write error delivering relayed frame")
					return
				}
			case broker.FrameTerminate:
				if s.onTerminate != nil && (frame.Reason == broker.ReasonXSData || frame.Reason == broker.ReasonXSMessage) {
					s.onTerminate(frame.Reason)
				}
				s.writeClose()
				return
			}

		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.err != nil {
				if ev.err != io.EOF {
					s.logger.Debug().Err(ev.err).Msg("read error")
				}
				return
			}
			switch ev.op {
			case ws.OpPing:
				lastHeartbeat = time.Now()
				if err := wsutil.WriteServerMessage(s.conn, ws.OpPong, nil); err != nil {
					return
				}
			case ws.OpPong:
				lastHeartbeat = time.Now()
			case ws.OpText:
				lastHeartbeat = time.Now()
				s.brk.ClientMessage(broker.ClientMessageRequest{
					Channel:   s.channel,
					SessionID: s.id,
					Kind:      broker.ClientText,
					Payload:   bytes.TrimSpace(ev.payload),
					Sender:    s.sender,
				})
			case ws.OpBinary:
				s.logger.Info().Msg("binary frame received, unsupported")
			case ws.OpClose:
				s.brk.Disconnect(broker.DisconnectRequest{Channel: s.channel, SessionID: s.id, Reason: broker.ReasonNone})
				return
			default:
				// Continuation frames: the session does not attempt
				// reassembly, it simply closes.
				return
			}

		case <-ticker.C:
			now := time.Now()
			if now.Sub(lastHeartbeat) > s.cfg.ClientTimeout {
				if s.metrics != nil {
					s.metrics.ConnExpired()
				}
				s.brk.Disconnect(broker.DisconnectRequest{Channel: s.channel, SessionID: s.id, Reason: broker.ReasonTimeout})
				return
			}
			if now.After(expiry) {
				if s.metrics != nil {
					s.metrics.ConnTimeout()
				}
				s.brk.Disconnect(broker.DisconnectRequest{Channel: s.channel, SessionID: s.id, Reason: broker.ReasonTimeout})
				return
			}
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) writeText(payload []byte) error {
	return wsutil.WriteServerMessage(s.conn, ws.OpText, payload)
}

func (s *Session) writeClose() {
	_ = wsutil.WriteServerMessage(s.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
}

// readLoop pulls frames off the socket one at a time using the
// explicit NextFrame cursor so Continuation frames are visible as
// their own opcode rather than silently reassembled.
func (s *Session) readLoop(ctx context.Context, events chan<- inboundEvent) {
	defer close(events)
	reader := wsutil.NewReader(s.conn, ws.StateServerSide)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		header, err := reader.NextFrame()
		if err != nil {
			select {
			case events <- inboundEvent{err: err}:
			case <-ctx.Done():
			}
			return
		}

		if header.OpCode == ws.OpClose {
			select {
			case events <- inboundEvent{op: ws.OpClose}:
			case <-ctx.Done():
			}
			return
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			select {
			case events <- inboundEvent{err: err}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case events <- inboundEvent{op: header.OpCode, payload: payload}:
		case <-ctx.Done():
			return
		}

		if header.OpCode != ws.OpText && header.OpCode != ws.OpBinary &&
			header.OpCode != ws.OpPing && header.OpCode != ws.OpPong {
			// Continuation or any other opcode: the caller closes on
			// receipt of this event, no more frames will be read.
			return
		}
	}
}
