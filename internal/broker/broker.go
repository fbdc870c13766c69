// Package broker implements the single-writer channel registry: the
// actor that owns every live channel and its member sessions, enforces
// capacity and quota rules, and fans messages out between peers.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"sort"

	"github.com/rs/zerolog"

	"github.com/mozilla-services/channelserver/internal/channelid"
	"github.com/mozilla-services/channelserver/internal/meta"
	"github.com/mozilla-services/channelserver/internal/metrics"
)

// Reason classifies why a session or channel was torn down.
type Reason string

const (
	ReasonNone      Reason = "none"
	ReasonTimeout   Reason = "timeout"
	ReasonXSData    Reason = "xs_data"
	ReasonXSMessage Reason = "xs_message"
)

// FrameKind tags a control frame pushed from the broker to a session.
type FrameKind string

const (
	FrameText      FrameKind = "text"
	FrameTerminate FrameKind = "terminate"
)

// ServerFrame is delivered to a session's inbound control channel.
// Reason is only meaningful when Kind is FrameTerminate.
type ServerFrame struct {
	Kind    FrameKind
	Payload []byte
	Reason  Reason
}

// ClientMessageKind tags an inbound request from a session.
type ClientMessageKind string

const (
	ClientText      ClientMessageKind = "text"
	ClientTerminate ClientMessageKind = "terminate"
)

// ConnectRequest asks the broker to admit a session to a channel. Reply
// receives the assigned session id, or 0 on rejection.
type ConnectRequest struct {
	Channel        channelid.ID
	Remote         string
	Sender         meta.SenderMeta
	InitialConnect bool
	Deliver        chan<- ServerFrame
	Reply          chan<- uint64
}

// DisconnectRequest removes a single session from its channel.
type DisconnectRequest struct {
	Channel   channelid.ID
	SessionID uint64
	Reason    Reason
}

// ClientMessageRequest carries a relayed payload or an explicit
// session-initiated terminate.
type ClientMessageRequest struct {
	Channel   channelid.ID
	SessionID uint64
	Kind      ClientMessageKind
	Payload   []byte
	Sender    meta.SenderMeta
}

type request interface{ isRequest() }

func (ConnectRequest) isRequest()       {}
func (DisconnectRequest) isRequest()    {}
func (ClientMessageRequest) isRequest() {}

type member struct {
	id            uint64
	remote        string
	sender        meta.SenderMeta
	deliver       chan<- ServerFrame
	dataExchanged int64
	msgCount      int
}

type channel struct {
	id      channelid.ID
	members map[uint64]*member
}

// Config bounds the quotas and capacity the broker enforces. Zero in
// MaxData/MaxExchanges disables that particular cap.
type Config struct {
	MaxChannelConnections int
	MaxExchanges          int
	MaxData               int64
}

// Broker is the single-writer registry of channels and sessions. Run
// must be started in its own goroutine; every other method is a
// non-blocking send into its mailbox.
type Broker struct {
	cfg      Config
	metrics  metrics.Metrics
	logger   zerolog.Logger
	requests chan request

	channels     map[channelid.ID]*channel
	liveSessions map[uint64]struct{}
}

// New builds a Broker. Call Run to start processing.
func New(cfg Config, m metrics.Metrics, logger zerolog.Logger) *Broker {
	return &Broker{
		cfg:          cfg,
		metrics:      m,
		logger:       logger,
		requests:     make(chan request, 256),
		channels:     make(map[channelid.ID]*channel),
		liveSessions: make(map[uint64]struct{}),
	}
}

// Connect sends a ConnectRequest. It never blocks the caller beyond a
// buffered mailbox send; if the mailbox is full or the broker has
// stopped, it returns false and the caller must treat this as rejection.
func (b *Broker) Connect(req ConnectRequest) bool {
	select {
	case b.requests <- req:
		return true
	default:
		return false
	}
}

// Disconnect sends a DisconnectRequest, fire-and-forget.
func (b *Broker) Disconnect(req DisconnectRequest) {
	select {
	case b.requests <- req:
	default:
	}
}

// ClientMessage sends a ClientMessageRequest, fire-and-forget.
func (b *Broker) ClientMessage(req ClientMessageRequest) {
	select {
	case b.requests <- req:
	default:
	}
}

// Run processes requests serially until ctx is canceled. It is the only
// goroutine that ever touches b.channels or b.liveSessions.
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-b.requests:
			switch r := req.(type) {
			case ConnectRequest:
				b.handleConnect(r)
			case DisconnectRequest:
				b.handleDisconnect(r)
			case ClientMessageRequest:
				b.handleClientMessage(r)
			}
		}
	}
}

func (b *Broker) handleConnect(req ConnectRequest) {
	ch, exists := b.channels[req.Channel]
	if !exists {
		if !req.InitialConnect {
			b.logger.Warn().
				Str("channel", req.Channel.String()).
				Str("remote_ip", req.Remote).
				Msg("rejected connect to unknown channel")
			b.reply(req.Reply, 0)
			return
		}
		ch = &channel{id: req.Channel, members: make(map[uint64]*member)}
		b.channels[req.Channel] = ch
	}

	if b.cfg.MaxChannelConnections > 0 && len(ch.members) >= b.cfg.MaxChannelConnections {
		if b.metrics != nil {
			b.metrics.ConnMaxConn()
		}
		b.reply(req.Reply, 0)
		return
	}

	// Once a channel already holds its pair, any further member must
	// match the remote of an existing one (a principal reconnecting),
	// never a fresh third party.
	if len(ch.members) >= 2 && !remoteMatchesMember(ch, req.Remote) {
		b.logger.Warn().
			Str("channel", req.Channel.String()).
			Str("remote_ip", req.Remote).
			Msg("rejected third-party join")
		b.reply(req.Reply, 0)
		return
	}

	id := b.nextSessionID()
	m := &member{
		id:      id,
		remote:  req.Remote,
		sender:  req.Sender,
		deliver: req.Deliver,
	}
	ch.members[id] = m
	b.liveSessions[id] = struct{}{}

	link, _ := json.Marshal(struct {
		Link      string `json:"link"`
		ChannelID string `json:"channelid"`
	}{
		Link:      "/v1/ws/" + req.Channel.String(),
		ChannelID: req.Channel.String(),
	})
	b.deliver(m, ServerFrame{Kind: FrameText, Payload: link})

	if b.metrics != nil {
		b.metrics.ConnCreate()
	}
	b.reply(req.Reply, id)
}

func remoteMatchesMember(ch *channel, remote string) bool {
	if remote == "" {
		return false
	}
	for _, m := range ch.members {
		if m.remote == remote {
			return true
		}
	}
	return false
}

func (b *Broker) handleDisconnect(req DisconnectRequest) {
	ch, exists := b.channels[req.Channel]
	if !exists {
		return
	}
	b.removeMember(ch, req.SessionID)
	if len(ch.members) == 0 {
		b.shutdown(ch, ReasonNone)
	}
}

func (b *Broker) handleClientMessage(req ClientMessageRequest) {
	ch, exists := b.channels[req.Channel]
	if !exists {
		return
	}

	if req.Kind == ClientTerminate {
		b.removeMember(ch, req.SessionID)
		if len(ch.members) == 0 {
			b.shutdown(ch, ReasonNone)
		}
		return
	}

	wrapped, err := json.Marshal(struct {
		Message string          `json:"message"`
		Sender  meta.SenderMeta `json:"sender"`
	}{
		Message: string(req.Payload),
		Sender:  req.Sender,
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("could not encode relayed message")
		return
	}

	recipients := make([]*member, 0, len(ch.members)-1)
	for id, m := range ch.members {
		if id == req.SessionID {
			continue
		}
		recipients = append(recipients, m)
	}
	sort.Slice(recipients, func(i, j int) bool { return recipients[i].id < recipients[j].id })

	for _, m := range recipients {
		newData := m.dataExchanged + int64(len(wrapped))
		if b.cfg.MaxData > 0 && (newData > b.cfg.MaxData || int64(len(wrapped)) > b.cfg.MaxData) {
			if b.metrics != nil {
				b.metrics.ConnMaxData()
			}
			b.shutdown(ch, ReasonXSData)
			return
		}
		newMsgCount := m.msgCount + 1
		if b.cfg.MaxExchanges > 0 && newMsgCount > b.cfg.MaxExchanges {
			if b.metrics != nil {
				b.metrics.ConnMaxMsg()
			}
			b.shutdown(ch, ReasonXSMessage)
			return
		}
		m.dataExchanged = newData
		m.msgCount = newMsgCount
		b.deliver(m, ServerFrame{Kind: FrameText, Payload: wrapped})
	}
}

func (b *Broker) removeMember(ch *channel, sessionID uint64) {
	delete(ch.members, sessionID)
	delete(b.liveSessions, sessionID)
	if len(ch.members) == 0 {
		delete(b.channels, ch.id)
	}
}

// shutdown tears a channel down entirely: every member receives a
// Terminate control frame, then the channel and its members are
// forgotten. Idempotent: a channel already removed is a no-op.
func (b *Broker) shutdown(ch *channel, reason Reason) {
	if _, exists := b.channels[ch.id]; !exists {
		return
	}
	for id, m := range ch.members {
		b.deliver(m, ServerFrame{Kind: FrameTerminate, Reason: reason})
		delete(b.liveSessions, id)
	}
	delete(b.channels, ch.id)
}

func (b *Broker) deliver(m *member, frame ServerFrame) {
	select {
	case m.deliver <- frame:
	default:
		b.logger.Warn().Uint64("session", m.id).Msg("dropped frame: session mailbox full")
	}
}

func (b *Broker) reply(reply chan<- uint64, id uint64) {
	select {
	case reply <- id:
	default:
	}
}

func (b *Broker) nextSessionID() uint64 {
	for {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			continue
		}
		id := binary.BigEndian.Uint64(buf[:])
		if id == 0 {
			continue
		}
		if _, taken := b.liveSessions[id]; taken {
			continue
		}
		return id
	}
}
