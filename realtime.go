package murmur

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Events
// ============================================================================

// Event is a decoded message broadcast. It is either Inserted or Updated.
type Event interface {
	// EventMessage returns the message carried by the event.
	EventMessage() *Message
	eventType() string
}

// Inserted announces a newly stored message.
type Inserted struct {
	Message *Message
}

// Updated announces a like or delete applied to an existing message.
type Updated struct {
	Message *Message
}

func (e Inserted) EventMessage() *Message { return e.Message }
func (e Updated) EventMessage() *Message  { return e.Message }
func (Inserted) eventType() string        { return "insert" }
func (Updated) eventType() string         { return "update" }

// DecodeEvent decodes a broadcast payload of the form {"type":..., "message":...}.
// Unknown types yield ErrUnknownEvent; a missing or incomplete message yields
// ErrMalformedEvent.
func DecodeEvent(data []byte) (Event, error) {
	var p eventPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if p.Type != "insert" && p.Type != "update" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, p.Type)
	}
	if len(p.Message) == 0 || string(p.Message) == "null" {
		return nil, fmt.Errorf("%w: %s event without message", ErrMalformedEvent, p.Type)
	}
	var m Message
	if err := json.Unmarshal(p.Message, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if m.ID == 0 || m.ConversationID == "" {
		return nil, fmt.Errorf("%w: message missing id or conversation", ErrMalformedEvent)
	}
	if p.Type == "insert" {
		return Inserted{Message: &m}, nil
	}
	return Updated{Message: &m}, nil
}

// encodeEvent builds the broadcast payload for ev.
func encodeEvent(ev Event) interface{} {
	return struct {
		Type    string   `json:"type"`
		Message *Message `json:"message"`
	}{Type: ev.eventType(), Message: ev.EventMessage()}
}

// ============================================================================
// Phoenix wire format
// ============================================================================

type phoenixMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

type phoenixReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type broadcastFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

const (
	phxJoin      = "phx_join"
	phxReply     = "phx_reply"
	phxError     = "phx_error"
	phxClose     = "phx_close"
	phxHeartbeat = "heartbeat"
	phxBroadcast = "broadcast"
	phxTopic     = "phoenix"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a Listener.
type RealtimeConfig struct {
	APIKey      string
	AccessToken string

	// AutoReconnect is off by default: a lost subscription stays lost until
	// Connect is called again.
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	JoinTimeout          time.Duration
	HTTPClient           *http.Client

	Logger  *slog.Logger
	Metrics *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// Handlers run on the listener's read goroutine, one event at a time, in
// arrival order. A slow handler delays every later event.
type eventDispatcher struct {
	mu             sync.RWMutex
	onEvent        []func(Event)
	onInserted     []func(Inserted)
	onUpdated      []func(Updated)
	onError        []func(error)
	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{}
}

func (d *eventDispatcher) dispatch(ev Event) {
	d.mu.RLock()
	generic := append([]func(Event){}, d.onEvent...)
	inserted := append([]func(Inserted){}, d.onInserted...)
	updated := append([]func(Updated){}, d.onUpdated...)
	d.mu.RUnlock()

	switch e := ev.(type) {
	case Inserted:
		for _, h := range inserted {
			h(e)
		}
	case Updated:
		for _, h := range updated {
			h(e)
		}
	}
	for _, h := range generic {
		h(ev)
	}
}

func (d *eventDispatcher) emitError(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector is shared by the reconnect goroutine and Disconnect.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu          sync.Mutex
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

func (r *reconnector) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// nextDelay returns the backoff before the next attempt and that attempt's number.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// Listener
// ============================================================================

// Listener holds the realtime subscription to one user's broadcast channel.
type Listener struct {
	wsURL  string
	topic  string
	config *RealtimeConfig
	log    *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	joinRef          string
	pendingBeat      string

	dispatcher *eventDispatcher
	recon      *reconnector
	ref        atomic.Uint64
}

func newListener(baseURL, channel string, config *RealtimeConfig) *Listener {
	wsURL := strings.Replace(baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/realtime/v1/websocket?" + url.Values{
		"apikey": {config.APIKey},
		"vsn":    {"1.0.0"},
	}.Encode()

	return &Listener{
		wsURL:      wsURL,
		topic:      "realtime:" + channel,
		config:     config,
		log:        config.Logger.With("topic", channel),
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(config),
	}
}

// Topic returns the channel topic the listener joins.
func (l *Listener) Topic() string {
	return l.topic
}

// OnEvent registers a handler for every decoded event.
func (l *Listener) OnEvent(h func(Event)) {
	l.dispatcher.mu.Lock()
	l.dispatcher.onEvent = append(l.dispatcher.onEvent, h)
	l.dispatcher.mu.Unlock()
}

// OnInserted registers a handler for insert events.
func (l *Listener) OnInserted(h func(Inserted)) {
	l.dispatcher.mu.Lock()
	l.dispatcher.onInserted = append(l.dispatcher.onInserted, h)
	l.dispatcher.mu.Unlock()
}

// OnUpdated registers a handler for update events.
func (l *Listener) OnUpdated(h func(Updated)) {
	l.dispatcher.mu.Lock()
	l.dispatcher.onUpdated = append(l.dispatcher.onUpdated, h)
	l.dispatcher.mu.Unlock()
}

// OnError registers a handler for rejected payloads and channel errors.
func (l *Listener) OnError(h func(error)) {
	l.dispatcher.mu.Lock()
	l.dispatcher.onError = append(l.dispatcher.onError, h)
	l.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (l *Listener) OnConnected(h func()) {
	l.dispatcher.mu.Lock()
	l.dispatcher.onConnected = append(l.dispatcher.onConnected, h)
	l.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (l *Listener) OnDisconnected(h func(code int, reason string)) {
	l.dispatcher.mu.Lock()
	l.dispatcher.onDisconnected = append(l.dispatcher.onDisconnected, h)
	l.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (l *Listener) OnReconnecting(h func(attempt int, delay time.Duration)) {
	l.dispatcher.mu.Lock()
	l.dispatcher.onReconnecting = append(l.dispatcher.onReconnecting, h)
	l.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (l *Listener) State() RealtimeState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) setState(s RealtimeState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Listener) nextRef() string {
	return strconv.FormatUint(l.ref.Add(1), 10)
}

// Connect dials the realtime endpoint and joins the user channel. It returns
// once the join is acknowledged.
func (l *Listener) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.state == StateConnected || l.state == StateConnecting {
		l.mu.Unlock()
		return nil
	}
	l.state = StateConnecting
	l.intentionalClose = false
	l.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, l.wsURL, &websocket.DialOptions{HTTPClient: l.config.HTTPClient})
	if err != nil {
		l.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	joinRef := uuid.NewString()
	if err := l.join(ctx, conn, joinRef); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		l.setState(StateDisconnected)
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.conn = conn
	l.state = StateConnected
	l.joinRef = joinRef
	l.pendingBeat = ""
	l.cancelFn = cancel
	l.mu.Unlock()
	l.recon.markConnected()
	l.log.Info("realtime subscribed")

	l.dispatcher.emitConnected()

	go l.readLoop(connCtx, ctx, conn)
	go l.heartbeatLoop(connCtx)

	return nil
}

func (l *Listener) join(ctx context.Context, conn *websocket.Conn, joinRef string) error {
	payload := map[string]interface{}{
		"config": map[string]interface{}{
			"broadcast": map[string]bool{"self": true, "ack": false},
			"presence":  map[string]string{"key": ""},
		},
	}
	if l.config.AccessToken != "" {
		payload["access_token"] = l.config.AccessToken
	}
	if err := l.write(ctx, conn, l.topic, phxJoin, payload, joinRef, joinRef); err != nil {
		return fmt.Errorf("join %s: %w", l.topic, err)
	}

	joinCtx, cancel := context.WithTimeout(ctx, l.config.JoinTimeout)
	defer cancel()
	for {
		_, data, err := conn.Read(joinCtx)
		if err != nil {
			return fmt.Errorf("join %s: %w", l.topic, err)
		}
		var msg phoenixMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Event != phxReply || msg.Ref == nil || *msg.Ref != joinRef {
			l.handleFrame(msg)
			continue
		}
		var reply phoenixReply
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return fmt.Errorf("join %s: %w", l.topic, err)
		}
		if reply.Status != "ok" {
			return fmt.Errorf("join %s rejected: %s", l.topic, string(reply.Response))
		}
		return nil
	}
}

// Disconnect leaves the channel and closes the connection.
func (l *Listener) Disconnect() error {
	l.mu.Lock()
	l.intentionalClose = true
	if l.cancelFn != nil {
		l.cancelFn()
		l.cancelFn = nil
	}
	conn := l.conn
	l.conn = nil
	l.state = StateDisconnected
	l.mu.Unlock()
	l.recon.reset()

	l.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (l *Listener) write(ctx context.Context, conn *websocket.Conn, topic, event string, payload interface{}, ref, joinRef string) error {
	msg := phoenixMessage{Topic: topic, Event: event, Ref: &ref}
	if joinRef != "" {
		msg.JoinRef = &joinRef
	}
	var err error
	if msg.Payload, err = json.Marshal(payload); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (l *Listener) readLoop(ctx, parent context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			l.mu.Lock()
			intentional := l.intentionalClose
			l.mu.Unlock()
			if intentional {
				return
			}

			l.mu.Lock()
			l.state = StateDisconnected
			l.conn = nil
			if l.cancelFn != nil {
				l.cancelFn()
				l.cancelFn = nil
			}
			l.mu.Unlock()

			l.log.Warn("realtime connection lost", "error", err)
			l.dispatcher.emitDisconnected(int(websocket.CloseStatus(err)), err.Error())

			if l.config.AutoReconnect && l.recon.shouldReconnect() {
				l.scheduleReconnect(parent)
			}
			return
		}

		var msg phoenixMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			l.log.Warn("realtime frame rejected", "error", err)
			continue
		}
		l.handleFrame(msg)
	}
}

func (l *Listener) handleFrame(msg phoenixMessage) {
	switch msg.Event {
	case phxReply:
		if msg.Ref == nil {
			return
		}
		l.mu.Lock()
		if l.pendingBeat == *msg.Ref {
			l.pendingBeat = ""
		}
		l.mu.Unlock()
	case phxBroadcast:
		if msg.Topic != l.topic {
			return
		}
		var frame broadcastFrame
		if err := json.Unmarshal(msg.Payload, &frame); err != nil {
			l.reject(fmt.Errorf("%w: %v", ErrMalformedEvent, err))
			return
		}
		if frame.Event != BroadcastEvent {
			l.log.Debug("ignoring broadcast", "event", frame.Event)
			return
		}
		ev, err := DecodeEvent(frame.Payload)
		if err != nil {
			l.reject(err)
			return
		}
		l.config.Metrics.realtimeEvent(ev.eventType())
		l.dispatcher.dispatch(ev)
	case phxError:
		l.log.Error("realtime channel error", "payload", string(msg.Payload))
		l.dispatcher.emitError(fmt.Errorf("channel %s: %s", msg.Topic, string(msg.Payload)))
	case phxClose:
		l.log.Info("realtime channel closed by server")
	}
}

func (l *Listener) reject(err error) {
	l.config.Metrics.rejectedEvent()
	l.log.Warn("realtime event rejected", "error", err)
	l.dispatcher.emitError(err)
}

// heartbeatLoop keeps the socket alive. A heartbeat still unanswered when the
// next one is due closes the connection.
func (l *Listener) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(l.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			conn, state, missed := l.conn, l.state, l.pendingBeat != ""
			l.mu.Unlock()
			if state != StateConnected || conn == nil {
				return
			}
			if missed {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}

			ref := l.nextRef()
			l.mu.Lock()
			l.pendingBeat = ref
			l.mu.Unlock()
			if err := l.write(ctx, conn, phxTopic, phxHeartbeat, struct{}{}, ref, ""); err != nil {
				if !errors.Is(err, context.Canceled) {
					conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				}
				return
			}
		}
	}
}

func (l *Listener) scheduleReconnect(ctx context.Context) {
	for {
		delay, attempt := l.recon.nextDelay()
		l.setState(StateReconnecting)
		l.config.Metrics.reconnect()
		l.dispatcher.emitReconnecting(attempt, delay)

		select {
		case <-ctx.Done():
			l.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}

		l.mu.Lock()
		if l.intentionalClose {
			l.mu.Unlock()
			return
		}
		// Connect refuses to run while the state says connecting.
		l.state = StateDisconnected
		l.mu.Unlock()
		err := l.Connect(ctx)
		if err == nil {
			return
		}
		l.log.Warn("realtime reconnect failed", "attempt", l.recon.attempts(), "error", err)
		if !l.config.AutoReconnect || !l.recon.shouldReconnect() {
			l.setState(StateDisconnected)
			return
		}
	}
}
