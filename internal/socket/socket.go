package socket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/lattesec/agvclient/internal/helpers/nopanic"
	"github.com/lattesec/agvclient/internal/metric"
	"github.com/lattesec/log"
)

type ConnState uint8

const (
	ConnStateIdle ConnState = iota
	ConnStateConnecting
	ConnStateOpen
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateIdle:
		return "idle"
	case ConnStateConnecting:
		return "connecting"
	case ConnStateOpen:
		return "open"
	case ConnStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidHeader   = errors.New("invalid packet header")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidID       = errors.New("invalid request id")
	ErrMalformedFrame  = errors.New("malformed frame")

	ErrConnectionClosed         = errors.New("connection closed")
	ErrConnectionNotEstablished = errors.New("connection not established")
	ErrConnectionSuperseded     = errors.New("connection attempt superseded")
)

// Conn is one managed channel: a TCP stream with a write pipeline, a read
// loop and a correlation table. A Conn can be dialed again after it closed.
type Conn struct {
	Config *ConnConfig

	mu        sync.Mutex
	raw       net.Conn
	peer      string
	state     ConnState
	gen       uint64 // generation of the current stream, shared with the pipeline
	router    Router
	onFailure func(err error)
	metrics   *metric.Metrics

	table *Table
	pipe  *Pipeline
}

func NewConn(cfg *ConnConfig) *Conn {
	c := &Conn{
		Config: cfg,
		state:  ConnStateIdle,
		table:  NewTable(),
	}
	c.pipe = NewPipeline(cfg.MessageSendTimeout, c.writeFailed)
	return c
}

func (c *Conn) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("{con: %s -> %s, state: %s}", c.Config.Name, c.peer, c.state.String())
}

// SetRouter installs the interceptor consulted before the correlation table.
func (c *Conn) SetRouter(r Router) {
	c.mu.Lock()
	c.router = r
	c.mu.Unlock()
}

// OnFailure sets the hook run after a read or write failure tore the stream
// down. It is not run for Close.
func (c *Conn) OnFailure(fn func(err error)) {
	c.mu.Lock()
	c.onFailure = fn
	c.mu.Unlock()
}

func (c *Conn) Instrument(m *metric.Metrics) {
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
}

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) IsOpen() bool {
	return c.State() == ConnStateOpen
}

// Dial tears down any current stream, clears the table and the write queue,
// and connects to address. A Dial or Close issued while this one is still
// connecting wins, and this one returns ErrConnectionSuperseded.
func (c *Conn) Dial(ctx context.Context, address string) error {
	c.mu.Lock()
	c.closeLocked()
	c.state = ConnStateConnecting
	c.peer = address
	gen := c.gen
	m := c.metrics
	c.mu.Unlock()

	raw, err := Dial(ctx, address, c.Config)

	c.mu.Lock()
	if c.gen != gen || c.state != ConnStateConnecting {
		c.mu.Unlock()
		if raw != nil {
			_ = raw.Close()
		}
		return ErrConnectionSuperseded
	}
	if err != nil {
		c.state = ConnStateClosed
		c.mu.Unlock()
		return err
	}

	c.raw = raw
	c.state = ConnStateOpen
	c.gen = c.pipe.Reset(raw)
	gen = c.gen
	c.mu.Unlock()

	m.SetConnected(c.Config.Name, true)
	log.Debug().
		WithMeta("conn", c.Config.Name).
		WithMeta("peer", address).
		Msg("connected").
		Send()

	go c.readLoop(raw, gen)
	return nil
}

// Close tears the stream down. Pending replies and queued writes are dropped.
func (c *Conn) Close() error {
	c.mu.Lock()
	err := c.closeLocked()
	c.mu.Unlock()
	return err
}

// caller holds the lock
func (c *Conn) closeLocked() error {
	c.gen = c.pipe.Reset(nil)
	c.table.Clear()

	var err error
	if c.raw != nil {
		log.Debug().
			WithMeta("conn", c.Config.Name).
			WithMeta("peer", c.peer).
			Msg("closing connection").
			Send()

		err = c.raw.Close()
		c.raw = nil
		c.metrics.SetConnected(c.Config.Name, false)
	}
	if c.state != ConnStateIdle {
		c.state = ConnStateClosed
	}
	return err
}

// Send enqueues an already framed request that expects no correlated reply.
func (c *Conn) Send(frame []byte, done func(error)) error {
	if !c.IsOpen() {
		return ErrConnectionNotEstablished
	}
	if err := c.pipe.Enqueue(frame, done); err != nil {
		return err
	}
	c.sent()
	return nil
}

// Request records h under id and enqueues frame. The entry is removed again
// when the frame cannot be queued.
func (c *Conn) Request(id string, h Handler, frame []byte) error {
	if !c.IsOpen() {
		return ErrConnectionNotEstablished
	}

	c.table.Put(id, h)
	if err := c.pipe.Enqueue(frame, nil); err != nil {
		c.table.Remove(id)
		return err
	}
	c.sent()
	return nil
}

func (c *Conn) sent() {
	c.mu.Lock()
	m := c.metrics
	c.mu.Unlock()
	m.FrameSent(c.Config.Name)
}

// Forget drops the handler registered for id, if any.
func (c *Conn) Forget(id string) {
	c.table.Remove(id)
}

// Pending is the number of requests awaiting their reply.
func (c *Conn) Pending() int {
	return c.table.Len()
}

// WriteInFlight reports whether a frame is being written right now.
func (c *Conn) WriteInFlight() bool {
	return c.pipe.InFlight()
}

func (c *Conn) writeFailed(gen uint64, err error) {
	c.mu.Lock()
	m := c.metrics
	c.mu.Unlock()
	m.WriteFailed(c.Config.Name)

	c.fail(gen, fmt.Errorf("write failed: %w", err))
}

// fail tears the stream of generation gen down and runs the failure hook.
// Stale generations are ignored.
func (c *Conn) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state != ConnStateOpen {
		c.mu.Unlock()
		return
	}
	peer := c.peer
	_ = c.closeLocked()
	hook := c.onFailure
	c.mu.Unlock()

	log.Warn().
		WithMeta("conn", c.Config.Name).
		WithMeta("peer", peer).
		Msgf("connection lost: %v", err).
		Send()

	if hook != nil {
		hook(err)
	}
}

func (c *Conn) readLoop(raw net.Conn, gen uint64) {
	log.Debug().
		WithMeta("conn", c.Config.Name).
		Msg("starting read loop").
		Send()

	sc := bufio.NewScanner(raw)
	sc.Buffer(make([]byte, 0, 64<<10), c.Config.MaxMessageSize)
	sc.Split(ScanFrames)

	for sc.Scan() {
		c.dispatch(sc.Bytes())
	}

	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.fail(gen, err)
}

// dispatch decodes one inbound body and runs its handler synchronously.
func (c *Conn) dispatch(body []byte) {
	c.mu.Lock()
	router, m := c.router, c.metrics
	c.mu.Unlock()

	name := c.Config.Name
	f, err := ParseFrame(body)
	if err != nil {
		m.FrameDropped(name, "malformed")
		log.Warn().
			WithMeta("conn", name).
			Msgf("dropping frame: %v", err).
			Send()
		return
	}

	if !c.Config.accepts(f.Tag) {
		m.FrameDropped(name, "tag")
		log.Warn().
			WithMeta("conn", name).
			WithMeta("id", f.ID).
			Msgf("dropping frame with unsupported tag %q", byte(f.Tag)).
			Send()
		return
	}

	payload := f.Payload
	if f.Tag == TagMsgpack {
		if payload, err = MsgpackToJSON(f.Payload); err != nil {
			m.FrameDropped(name, "msgpack")
			log.Warn().
				WithMeta("conn", name).
				WithMeta("id", f.ID).
				Msgf("dropping frame: %v", err).
				Send()
			return
		}
	}

	var h Handler
	var ok bool
	if router != nil {
		h, ok = router(f.ID)
	}
	if !ok {
		h, ok = c.table.Take(f.ID)
	}
	if !ok || h == nil {
		m.FrameDropped(name, "unknown_id")
		log.Debug().
			WithMeta("conn", name).
			WithMeta("id", f.ID).
			Msg("no handler for reply").
			Send()
		return
	}

	m.FrameReceived(name)
	nopanic.NoPanicRunVoid(name+" handler", func() { h(payload) })
}
