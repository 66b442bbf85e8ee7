// Package websocket streams vault events to subscribed WebSocket clients.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/vaults/pkg/events"
)

// ChannelAll receives every event. A vault's events also go to
// "vault:<id>".
const ChannelAll = "events"

var ErrBroadcastFull = errors.New("broadcast buffer full")

// Server fans vault events out to websocket subscribers. Membership and
// topic sets share one mutex; Run drains the outbound queue.
type Server struct {
	config   Config
	logger   log.Logger
	upgrader websocket.Upgrader
	snapshot func(vault string) (interface{}, bool)
	outbound chan Message

	mu      sync.Mutex
	stopped bool
	members map[*subscriber]struct{}
	topics  map[string]map[*subscriber]struct{}

	seq     atomic.Uint64
	sent    atomic.Uint64
	dropped atomic.Uint64
}

type subscriber struct {
	id    string
	ws    *websocket.Conn
	queue chan []byte

	// guarded by Server.mu
	gone   bool
	topics map[string]struct{}
}

// Message is the envelope of everything sent to a client.
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`
}

// SubscribeRequest is sent by clients to (un)subscribe.
type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// EventUpdate is an event with its amounts rendered as decimal strings.
type EventUpdate struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Vault   string `json:"vault"`
	Round   uint64 `json:"round,omitempty"`
	Account string `json:"account,omitempty"`
	Option  string `json:"option,omitempty"`
	Amount  string `json:"amount,omitempty"`
	Shares  string `json:"shares,omitempty"`
	Price   string `json:"price,omitempty"`
	Fee     string `json:"fee,omitempty"`
	Time    int64  `json:"time"`
}

// Stats is a point-in-time view of the feed.
type Stats struct {
	Clients  int    `json:"clients"`
	Channels int    `json:"channels"`
	Sent     uint64 `json:"sent"`
	Dropped  uint64 `json:"dropped"`
}

type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	// SendBuffer is the per-client queue; a client that fills it is
	// disconnected.
	SendBuffer   int
	WriteTimeout time.Duration
	// PongTimeout must exceed KeepAlive.
	PongTimeout time.Duration
	KeepAlive   time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64 * 1024,
		SendBuffer:      256,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		KeepAlive:       45 * time.Second,
	}
}

// VaultChannel is the channel carrying one vault's events.
func VaultChannel(id string) string { return "vault:" + id }

// NewServer creates a feed. snapshot, if set, supplies the state sent to a
// client subscribing to a vault channel.
func NewServer(config Config, logger log.Logger, snapshot func(vault string) (interface{}, bool)) *Server {
	if logger == nil {
		logger = log.Root().New("module", "websocket")
	}
	return &Server{
		config: config,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		snapshot: snapshot,
		outbound: make(chan Message, 1000),
		members:  make(map[*subscriber]struct{}),
		topics:   make(map[string]map[*subscriber]struct{}),
	}
}

// Run delivers published events until ctx is done, then disconnects every
// client and refuses new ones.
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.stopped = true
			for sub := range s.members {
				s.evictLocked(sub)
			}
			s.mu.Unlock()
			st := s.Stats()
			s.logger.Info("event feed stopped", "sent", st.Sent, "dropped", st.Dropped)
			return nil
		case msg := <-s.outbound:
			s.deliver(msg)
		}
	}
}

// ServeHTTP upgrades the request and starts the client's reader and writer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	sub := &subscriber{
		id:     uuid.NewString(),
		ws:     ws,
		queue:  make(chan []byte, s.config.SendBuffer),
		topics: make(map[string]struct{}),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.members[sub] = struct{}{}
	n := len(s.members)
	s.mu.Unlock()
	s.logger.Debug("feed client joined", "id", sub.id, "clients", n)

	s.reply(sub, "welcome", "", map[string]interface{}{"id": sub.id})
	go s.writeLoop(sub)
	go s.readLoop(sub)
}

// Publish implements events.Publisher. It never blocks.
func (s *Server) Publish(_ context.Context, ev events.Event) error {
	msg := Message{
		Type:      "event",
		Channel:   VaultChannel(ev.Vault),
		Data:      NewEventUpdate(ev),
		Timestamp: ev.Time.Unix(),
		Sequence:  s.seq.Add(1),
	}
	select {
	case s.outbound <- msg:
		return nil
	default:
		return fmt.Errorf("%w: dropped %s", ErrBroadcastFull, ev.Type)
	}
}

// NewEventUpdate renders ev for the wire.
func NewEventUpdate(ev events.Event) EventUpdate {
	return EventUpdate{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Vault:   ev.Vault,
		Round:   ev.Round,
		Account: ev.Account,
		Option:  ev.Option,
		Amount:  str(ev.Amount),
		Shares:  str(ev.Shares),
		Price:   str(ev.Price),
		Fee:     str(ev.Fee),
		Time:    ev.Time.Unix(),
	}
}

func str(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// Stats reports current membership and delivery counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Clients:  len(s.members),
		Channels: len(s.topics),
		Sent:     s.sent.Load(),
		Dropped:  s.dropped.Load(),
	}
}

// deliver queues msg for subscribers of its channel and of ChannelAll. A
// subscriber whose queue is full is evicted rather than waited on.
func (s *Server) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets := make(map[*subscriber]struct{}, len(s.topics[msg.Channel])+len(s.topics[ChannelAll]))
	for sub := range s.topics[msg.Channel] {
		targets[sub] = struct{}{}
	}
	for sub := range s.topics[ChannelAll] {
		targets[sub] = struct{}{}
	}
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encode feed event", "error", err)
		return
	}
	for sub := range targets {
		s.enqueueLocked(sub, data)
	}
}

func (s *Server) enqueueLocked(sub *subscriber, data []byte) {
	if sub.gone {
		return
	}
	select {
	case sub.queue <- data:
	default:
		s.dropped.Add(1)
		s.logger.Warn("feed client too slow, disconnecting", "id", sub.id)
		s.evictLocked(sub)
	}
}

// evictLocked removes sub everywhere and closes its queue, which stops its
// writer. Safe to call more than once.
func (s *Server) evictLocked(sub *subscriber) {
	if sub.gone {
		return
	}
	sub.gone = true
	delete(s.members, sub)
	for topic := range sub.topics {
		s.dropTopicLocked(sub, topic)
	}
	close(sub.queue)
}

func (s *Server) dropTopicLocked(sub *subscriber, topic string) {
	delete(sub.topics, topic)
	set := s.topics[topic]
	delete(set, sub)
	if len(set) == 0 {
		delete(s.topics, topic)
	}
}

func (s *Server) reply(sub *subscriber, kind, channel string, data interface{}) {
	raw, err := json.Marshal(Message{Type: kind, Channel: channel, Data: data, Timestamp: time.Now().Unix()})
	if err != nil {
		s.logger.Error("encode feed reply", "type", kind, "error", err)
		return
	}
	s.mu.Lock()
	s.enqueueLocked(sub, raw)
	s.mu.Unlock()
}

func (s *Server) replyError(sub *subscriber, text string) {
	s.reply(sub, "error", "", map[string]interface{}{"message": text})
}

func (s *Server) readLoop(sub *subscriber) {
	defer func() {
		s.mu.Lock()
		s.evictLocked(sub)
		n := len(s.members)
		s.mu.Unlock()
		s.logger.Debug("feed client left", "id", sub.id, "clients", n)
	}()

	cfg := s.config
	sub.ws.SetReadLimit(cfg.MaxMessageSize)
	extend := func(string) error {
		return sub.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	}
	_ = extend("")
	sub.ws.SetPongHandler(extend)

	for {
		_, raw, err := sub.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("feed read stopped", "id", sub.id, "error", err)
			}
			return
		}
		s.handle(sub, raw)
	}
}

// writeLoop is the only writer of data frames on sub.ws. It closes the
// connection once the queue is closed or a write fails.
func (s *Server) writeLoop(sub *subscriber) {
	cfg := s.config
	keepAlive := time.NewTicker(cfg.KeepAlive)
	defer keepAlive.Stop()
	defer sub.ws.Close()

	for {
		select {
		case data, open := <-sub.queue:
			_ = sub.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !open {
				_ = sub.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sub.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			s.sent.Add(1)
		case <-keepAlive.C:
			if err := sub.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handle(sub *subscriber, raw []byte) {
	var req SubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.replyError(sub, "invalid message format")
		return
	}
	switch req.Type {
	case "subscribe":
		s.subscribe(sub, req.Channels)
	case "unsubscribe":
		s.unsubscribe(sub, req.Channels)
	case "ping":
		s.reply(sub, "pong", "", nil)
	case "":
		s.replyError(sub, "missing message type")
	default:
		s.replyError(sub, fmt.Sprintf("unknown message type: %s", req.Type))
	}
}

func validChannel(ch string) bool {
	return ch == ChannelAll || strings.HasPrefix(ch, "vault:")
}

func (s *Server) subscribe(sub *subscriber, channels []string) {
	if len(channels) == 0 {
		s.replyError(sub, "no channels")
		return
	}

	var rejected []string
	s.mu.Lock()
	for _, ch := range channels {
		if !validChannel(ch) {
			rejected = append(rejected, ch)
			continue
		}
		if sub.gone {
			continue
		}
		sub.topics[ch] = struct{}{}
		if s.topics[ch] == nil {
			s.topics[ch] = make(map[*subscriber]struct{})
		}
		s.topics[ch][sub] = struct{}{}
	}
	s.mu.Unlock()

	for _, ch := range rejected {
		s.replyError(sub, fmt.Sprintf("unknown channel: %s", ch))
	}
	s.reply(sub, "subscribed", "", map[string]interface{}{"channels": channels})

	if s.snapshot == nil {
		return
	}
	for _, ch := range channels {
		id, ok := strings.CutPrefix(ch, "vault:")
		if !ok {
			continue
		}
		if state, found := s.snapshot(id); found {
			s.reply(sub, "snapshot", ch, state)
		}
	}
}

func (s *Server) unsubscribe(sub *subscriber, channels []string) {
	s.mu.Lock()
	for _, ch := range channels {
		if _, ok := sub.topics[ch]; ok {
			s.dropTopicLocked(sub, ch)
		}
	}
	s.mu.Unlock()
	s.reply(sub, "unsubscribed", "", map[string]interface{}{"channels": channels})
}
