package signaling

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brendanx22/HomeSwift.co-sub002/internal/util"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Outbound queue depth; Send drops when full rather than blocking.
	sendQueueSize = 64

	// DefaultRingSize is how many recent envelopes the diagnostics ring keeps.
	DefaultRingSize = 128
)

// ErrUnauthorized means the rendezvous server refused our credential.
// Terminal for the session — the channel stops retrying and the UI layer
// must show messaging as unavailable.
var ErrUnauthorized = errors.New("signaling: unauthorized")

// State is the explicit reconnect state of the channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// TokenSource supplies the bearer credential for the websocket dial.
type TokenSource interface {
	Token() (string, error)
}

// Handler receives inbound envelopes of one type, in arrival order.
type Handler func(*Envelope)

// StateFunc observes channel state changes. err is non-nil only for
// StateDisconnected and carries the reason (ErrUnauthorized is terminal).
type StateFunc func(State, error)

// Options configures a Channel.
type Options struct {
	URL        string // websocket endpoint, e.g. wss://rtc.homeswift.co/ws
	Tokens     TokenSource
	BackoffMin time.Duration // default 250ms
	BackoffMax time.Duration // default 5s
	RingSize   int           // default DefaultRingSize
}

// Channel is a single authenticated, reconnecting websocket pipe to the
// rendezvous server. Reconnection is an explicit state machine
// (disconnected → connecting → connected) with configurable backoff;
// presence is NOT resumed by the server, so owners must re-announce on
// every transition to StateConnected.
type Channel struct {
	opts Options

	mu      sync.RWMutex
	conn    *websocket.Conn
	state   State
	sendCh  chan []byte
	started bool

	handlerMu sync.RWMutex
	handlers  map[EnvelopeType][]Handler

	listenerMu sync.RWMutex
	listeners  map[chan *Envelope]struct{}

	stateMu  sync.RWMutex
	stateFns []StateFunc

	recent *util.RingBuffer[*Envelope]

	done chan struct{}
}

// NewChannel creates a channel. Connect must be called to start it.
func NewChannel(opts Options) *Channel {
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = 250 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Second
	}
	if opts.RingSize <= 0 {
		opts.RingSize = DefaultRingSize
	}
	return &Channel{
		opts:      opts,
		state:     StateDisconnected,
		handlers:  make(map[EnvelopeType][]Handler),
		listeners: make(map[chan *Envelope]struct{}),
		recent:    util.NewRingBuffer[*Envelope](opts.RingSize),
		done:      make(chan struct{}),
	}
}

// Connect starts the connect/reconnect loop. Idempotent — a second call
// while the loop is running is a no-op.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.run(ctx)
}

// State returns the current reconnect state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// On registers a handler for one envelope type. Multiple handlers per
// type are allowed; delivery order follows arrival order.
func (c *Channel) On(t EnvelopeType, h Handler) {
	c.handlerMu.Lock()
	c.handlers[t] = append(c.handlers[t], h)
	c.handlerMu.Unlock()
}

// OnState registers a state observer.
func (c *Channel) OnState(fn StateFunc) {
	c.stateMu.Lock()
	c.stateFns = append(c.stateFns, fn)
	c.stateMu.Unlock()
}

// Subscribe returns a channel receiving every inbound envelope.
func (c *Channel) Subscribe() (ch chan *Envelope, cancel func()) {
	ch = make(chan *Envelope, 64)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// Send queues an envelope for delivery. Fire-and-forget: if the channel
// is not connected, or the outbound queue is full, the envelope is
// dropped silently — callers must not assume delivery.
func (c *Channel) Send(env *Envelope) {
	data, err := env.Marshal()
	if err != nil {
		log.Printf("SIGNAL: drop outbound %s: %v", env.Type, err)
		return
	}

	c.mu.RLock()
	state, sendCh := c.state, c.sendCh
	c.mu.RUnlock()

	if state != StateConnected || sendCh == nil {
		log.Printf("SIGNAL: drop outbound %s (channel %s)", env.Type, state)
		return
	}
	select {
	case sendCh <- data:
	default:
		log.Printf("SIGNAL: drop outbound %s (queue full)", env.Type)
	}
}

// Recent returns the most recent inbound envelopes, oldest first.
func (c *Channel) Recent() []*Envelope {
	return c.recent.Snapshot()
}

// Close stops the reconnect loop and drops the connection.
func (c *Channel) Close() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	c.listenerMu.Lock()
	for ch := range c.listeners {
		close(ch)
	}
	c.listeners = map[chan *Envelope]struct{}{}
	c.listenerMu.Unlock()
}

// run is the reconnect loop: dial, pump until the connection drops, back
// off, repeat. An unauthorized handshake ends the loop for good.
func (c *Channel) run(ctx context.Context) {
	backoff := c.opts.BackoffMin
	for {
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected, ctx.Err())
			return
		case <-c.done:
			c.setState(StateDisconnected, nil)
			return
		default:
		}

		c.setState(StateConnecting, nil)
		conn, err := c.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				log.Printf("SIGNAL: credential rejected — messaging unavailable")
				c.setState(StateDisconnected, ErrUnauthorized)
				return
			}
			log.Printf("SIGNAL: dial failed: %v (retry in %s)", err, backoff)
			c.setState(StateDisconnected, err)
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-time.After(backoff):
			}
			if backoff < c.opts.BackoffMax {
				backoff *= 2
				if backoff > c.opts.BackoffMax {
					backoff = c.opts.BackoffMax
				}
			}
			continue
		}

		backoff = c.opts.BackoffMin

		sendCh := make(chan []byte, sendQueueSize)
		c.mu.Lock()
		c.conn = conn
		c.sendCh = sendCh
		c.state = StateConnected
		c.mu.Unlock()
		c.notifyState(StateConnected, nil)
		log.Printf("SIGNAL: connected to %s", c.opts.URL)

		writeDone := make(chan struct{})
		go c.writePump(conn, sendCh, writeDone)
		c.readLoop(conn) // blocks until the connection drops

		conn.Close()
		close(writeDone)

		c.mu.Lock()
		c.conn = nil
		c.sendCh = nil
		c.mu.Unlock()
	}
}

// dial performs one websocket handshake with the bearer credential.
func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.opts.Tokens.Token()
	if err != nil {
		return nil, ErrUnauthorized
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return conn, nil
}

// readLoop pumps inbound frames until the connection errors out.
func (c *Channel) readLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("SIGNAL: connection lost: %v", err)
			}
			c.setState(StateDisconnected, err)
			return
		}

		env, err := Unmarshal(data)
		if err != nil {
			// Malformed envelopes are logged and dropped, never fatal.
			log.Printf("SIGNAL: drop inbound frame: %v", err)
			continue
		}

		c.recent.Push(env)
		c.dispatch(env)
	}
}

// dispatch delivers one envelope to typed handlers (synchronously, so
// arrival order is preserved) and fans out to subscribers.
func (c *Channel) dispatch(env *Envelope) {
	c.handlerMu.RLock()
	handlers := make([]Handler, len(c.handlers[env.Type]))
	copy(handlers, c.handlers[env.Type])
	c.handlerMu.RUnlock()

	for _, h := range handlers {
		h(env)
	}

	c.listenerMu.RLock()
	for ch := range c.listeners {
		select {
		case ch <- env:
		default:
		}
	}
	c.listenerMu.RUnlock()
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Channel) writePump(conn *websocket.Conn, sendCh chan []byte, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case data := <-sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("SIGNAL: write failed: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Channel) setState(s State, err error) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed || err != nil {
		c.notifyState(s, err)
	}
}

func (c *Channel) notifyState(s State, err error) {
	c.stateMu.RLock()
	fns := make([]StateFunc, len(c.stateFns))
	copy(fns, c.stateFns)
	c.stateMu.RUnlock()
	for _, fn := range fns {
		fn(s, err)
	}
}
