// Package channel implements the bidirectional message channel contract
// between the worker and the coordinator: Phoenix-channel-style join/push/
// reply semantics over a gorilla/websocket connection (spec.md §4.1).
package channel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cordum/lightning-worker/internal/logging"
)

const defaultReplyTimeout = 30 * time.Second

var log = logging.For("channel")

// envelope is the wire frame exchanged over the socket: {event, topic, ref,
// payload}. join_ref is carried so replies can be correlated to the join
// that established the topic, matching Phoenix's channel protocol which the
// coordinator speaks.
type envelope struct {
	JoinRef string          `json:"join_ref,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply is what a join or a push-with-ack ultimately resolves to.
type Reply struct {
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"response"`
}

// Ack is returned by Push and lets the caller attach receivers, mirroring
// Phoenix's `.receive("ok", cb)` chain. Receivers fire at most once.
type Ack struct {
	mu       sync.Mutex
	resolved bool
	reply    Reply
	timedOut bool
	okCbs    []func(json.RawMessage)
	errCbs   []func(json.RawMessage)
	toutCbs  []func()
}

// NewAck returns an unresolved Ack, for fakes that need to hand one back
// without a live websocket round trip.
func NewAck() *Ack {
	return &Ack{}
}

func (a *Ack) Receive(status string, cb func(payload json.RawMessage)) *Ack {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch status {
	case StatusOK:
		a.okCbs = append(a.okCbs, cb)
	case StatusError:
		a.errCbs = append(a.errCbs, cb)
	}
	a.maybeFireLocked()
	return a
}

// ReceiveTimeout registers a callback fired if no reply arrives before the
// bound interval.
func (a *Ack) ReceiveTimeout(cb func()) *Ack {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.toutCbs = append(a.toutCbs, cb)
	a.maybeFireLocked()
	return a
}

// Resolve resolves the ack as though a reply had arrived over the wire. It
// lets fakes that implement the Channel interface (attemptctx.Channel and
// similar) drive Ack-based code paths without a live websocket.
func (a *Ack) Resolve(status string, payload json.RawMessage) {
	a.resolve(Reply{Status: status, Payload: payload})
}

func (a *Ack) resolve(reply Reply) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resolved = true
	a.reply = reply
	a.maybeFireLocked()
}

func (a *Ack) timeout() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timedOut = true
	a.maybeFireLocked()
}

// maybeFireLocked fires any callback that is both registered and satisfied
// by the current resolution state, then clears it so it fires once.
func (a *Ack) maybeFireLocked() {
	if a.resolved {
		if a.reply.Status == StatusOK {
			for _, cb := range a.okCbs {
				cb(a.reply.Payload)
			}
			a.okCbs = nil
		} else {
			for _, cb := range a.errCbs {
				cb(a.reply.Payload)
			}
			a.errCbs = nil
		}
	}
	if a.timedOut {
		for _, cb := range a.toutCbs {
			cb()
		}
		a.toutCbs = nil
	}
}

// Channel is one logical attempt channel multiplexed over a websocket
// connection to the coordinator.
type Channel struct {
	conn    *websocket.Conn
	topic   string
	joinRef string

	writeMu sync.Mutex
	refSeq  uint64

	pendingMu sync.Mutex
	pending   map[string]*Ack

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a websocket connection to the coordinator's socket endpoint.
// The returned Channel is not yet joined to any topic; call Join.
func Dial(url string, header http.Header) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator: %w", err)
	}
	c := &Channel{
		conn:    conn,
		pending: make(map[string]*Ack),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close tears down the underlying connection.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) nextRef() string {
	return strconv.FormatUint(atomic.AddUint64(&c.refSeq, 1), 10)
}

// Join subscribes to topic with server-side acknowledgement. On error the
// caller must not proceed; err wraps the response payload verbatim.
func (c *Channel) Join(topic string, token string) (json.RawMessage, error) {
	c.topic = topic
	c.joinRef = c.nextRef()

	payload, _ := json.Marshal(map[string]string{"token": token})
	reply, err := c.roundTrip(envelope{
		JoinRef: c.joinRef,
		Ref:     c.joinRef,
		Topic:   topic,
		Event:   "phx_join",
		Payload: payload,
	}, defaultReplyTimeout)
	if err != nil {
		return nil, err
	}
	if reply.Status != StatusOK {
		return nil, fmt.Errorf("join %s rejected: %s", topic, string(reply.Payload))
	}
	return reply.Payload, nil
}

// Push sends eventName/payload and returns an Ack the caller can attach
// receivers to. It does not block; the send is fire-and-forget unless the
// caller attaches a receiver.
func (c *Channel) Push(eventName string, payload any) (*Ack, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal push payload: %w", err)
	}
	ref := c.nextRef()
	ack := &Ack{}
	c.pendingMu.Lock()
	c.pending[ref] = ack
	c.pendingMu.Unlock()

	env := envelope{JoinRef: c.joinRef, Ref: ref, Topic: c.topic, Event: eventName, Payload: data}
	if err := c.write(env); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, ref)
		c.pendingMu.Unlock()
		return nil, err
	}

	go func() {
		select {
		case <-time.After(defaultReplyTimeout):
			c.pendingMu.Lock()
			if _, ok := c.pending[ref]; ok {
				delete(c.pending, ref)
				ack.timeout()
			}
			c.pendingMu.Unlock()
		case <-c.closed:
		}
	}()

	return ack, nil
}

// GetWithReply pushes eventName/payload and awaits the matching reply,
// decoding it into out. Fails with PROTOCOL_TIMEOUT after the bound
// interval, as specified for the channel's request/reply sugar.
func (c *Channel) GetWithReply(eventName string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request payload: %w", err)
	}
	ref := c.nextRef()
	reply, err := c.roundTrip(envelope{JoinRef: c.joinRef, Ref: ref, Topic: c.topic, Event: eventName, Payload: data}, defaultReplyTimeout)
	if err != nil {
		return err
	}
	if reply.Status != StatusOK {
		return fmt.Errorf("%s failed: %s", eventName, string(reply.Payload))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(reply.Payload, out)
}

func (c *Channel) roundTrip(env envelope, timeout time.Duration) (Reply, error) {
	ack := &Ack{}
	c.pendingMu.Lock()
	c.pending[env.Ref] = ack
	c.pendingMu.Unlock()

	if err := c.write(env); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, env.Ref)
		c.pendingMu.Unlock()
		return Reply{}, err
	}

	done := make(chan Reply, 1)
	ack.Receive(StatusOK, func(p json.RawMessage) { done <- Reply{Status: StatusOK, Payload: p} })
	ack.Receive(StatusError, func(p json.RawMessage) { done <- Reply{Status: StatusError, Payload: p} })

	select {
	case r := <-done:
		return r, nil
	case <-time.After(timeout):
		c.pendingMu.Lock()
		delete(c.pending, env.Ref)
		c.pendingMu.Unlock()
		return Reply{}, fmt.Errorf("PROTOCOL_TIMEOUT: no reply for %s within %s", env.Event, timeout)
	case <-c.closed:
		return Reply{}, fmt.Errorf("channel closed while awaiting reply to %s", env.Event)
	}
}

func (c *Channel) write(env envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

func (c *Channel) readLoop() {
	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			log.Debug("read loop ended", "error", err)
			return
		}
		var reply Reply
		if err := json.Unmarshal(env.Payload, &reply); err != nil {
			continue
		}
		if reply.Status == "" {
			continue
		}
		c.pendingMu.Lock()
		ack, ok := c.pending[env.Ref]
		if ok {
			delete(c.pending, env.Ref)
		}
		c.pendingMu.Unlock()
		if ok {
			ack.resolve(reply)
		}
	}
}
