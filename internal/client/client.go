// Package client is the robot protocol engine: a control channel carrying
// requests, heartbeats and file transfers, a data channel carrying the high
// rate sensor streams, and the named operations built on top of both.
//
// Every operation returns nil once its request is queued. The outcome of
// the operation itself arrives later in the handler passed to it.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/lattesec/agvclient/internal/catalog"
	"github.com/lattesec/agvclient/internal/helpers/nopanic"
	"github.com/lattesec/agvclient/internal/metric"
	"github.com/lattesec/agvclient/internal/periodic"
	"github.com/lattesec/agvclient/internal/probe"
	"github.com/lattesec/agvclient/internal/socket"
	"github.com/lattesec/agvclient/internal/transfer"
	"github.com/lattesec/log"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrNilHandler       = errors.New("handler is nil")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrInvalidArguments = errors.New("invalid arguments")
	ErrBusy             = errors.New("another download is in progress")
	ErrClosed           = errors.New("client closed")
)

// Handler receives one reply payload.
type Handler = socket.Handler

type Option func(*Client) error

// WithCatalog uses cat instead of loading Config.CatalogPath.
func WithCatalog(cat *catalog.Catalog) Option {
	return func(c *Client) error {
		if cat == nil {
			return errors.New("catalog is nil")
		}
		c.catalog = cat
		return nil
	}
}

// WithRegisterer registers the client's collectors on reg instead of a
// private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) error {
		c.registerer = reg
		return nil
	}
}

type Client struct {
	cfg        *Config
	catalog    *catalog.Catalog
	metrics    *metric.Metrics
	registerer prometheus.Registerer

	control   *socket.Conn
	data      *socket.Conn
	transfers *transfer.Manager
	prober    *probe.Prober

	heartbeat *periodic.Task
	streams   map[string]*periodic.Task

	mu             sync.Mutex
	handlers       map[string]Handler // request name -> reply handler
	host, port     string
	userDisconnect bool
	connectGen     uint64
	settle         *time.Timer

	dataConnecting bool
	dataGen        uint64
	dataTimer      *time.Timer
	dataBackoff    *backoff.Backoff

	otaTimer    *time.Timer
	downloading atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	posts     chan func()
	closeOnce sync.Once
}

// New loads the request catalog and starts the heartbeat. The client is not
// connected until Connect is called.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		handlers: make(map[string]Handler),
		streams:  make(map[string]*periodic.Task),
		posts:    make(chan func(), 64),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.catalog == nil {
		cat, err := catalog.Load(cfg.CatalogPath)
		if err != nil {
			log.Error().
				WithMeta("scope", "client").
				Msgf("failed to load request catalog %s: %v", cfg.CatalogPath, err).
				Send()
			return nil, fmt.Errorf("load request catalog: %w", err)
		}
		c.catalog = cat
	}

	c.metrics = metric.New()
	if c.registerer == nil {
		c.registerer = prometheus.NewRegistry()
	}
	if err := c.metrics.Register(c.registerer); err != nil {
		return nil, err
	}

	c.prober = &probe.Prober{Port: cfg.Probe.Port, Timeout: cfg.Probe.Timeout}
	if c.prober.Port == "" {
		c.prober.Port = probe.DefaultPort
	}
	if c.prober.Timeout <= 0 {
		c.prober.Timeout = probe.DefaultTimeout
	}

	c.dataBackoff = &backoff.Backoff{
		Min:    cfg.Data.ReconnectionDelay,
		Max:    cfg.Data.MaxReconnectionDelay,
		Factor: 2,
	}

	c.transfers = transfer.NewManager(controlSender{c}, cfg.transferOptions(), c.metrics)

	c.control = socket.NewConn(cfg.Control)
	c.control.Instrument(c.metrics)
	c.control.SetRouter(c.transfers.Route)
	c.control.OnFailure(c.controlFailed)

	c.data = socket.NewConn(cfg.Data)
	c.data.Instrument(c.metrics)
	c.data.OnFailure(c.dataFailed)

	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.dispatchLoop()

	c.initStreams()
	c.heartbeat = periodic.New("heartbeat", c.beat)
	c.RestartHeartbeat()

	return c, nil
}

// Close disconnects, stops the heartbeat and the callback dispatcher. The
// client cannot be used afterwards.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.StopHeartbeat()
		c.Disconnect()
		c.cancel()
	})
	return nil
}

func (c *Client) Catalog() *catalog.Catalog {
	return c.catalog
}

// Registerer is where the client's metrics live.
func (c *Client) Registerer() prometheus.Registerer {
	return c.registerer
}

// RegisterHandler binds h to the replies of request name. A name that is
// already registered gets its handler replaced; a new name must exist in
// the catalog.
func (c *Client) RegisterHandler(name string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handlers[name]; ok {
		c.handlers[name] = h
		return nil
	}
	if !c.catalog.Has(name) {
		log.Error().
			WithMeta("scope", "client").
			Msgf("no opcode for %s, configure it in the catalog first", name).
			Send()
		return fmt.Errorf("%w: %s", catalog.ErrUnknownOperation, name)
	}

	c.handlers[name] = h
	log.Info().
		WithMeta("scope", "client").
		Msgf("registered %s, %d handlers", name, len(c.handlers)).
		Send()
	return nil
}

func (c *Client) handler(name string) Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[name]
}

// SendRequest frames payload for request name and queues it on the control
// channel. The reply goes to the handler registered for name. A new id is
// generated when id is empty.
func (c *Client) SendRequest(name string, payload []byte, id string) error {
	return c.request(c.control, name, payload, id)
}

func (c *Client) request(conn *socket.Conn, name string, payload []byte, id string) error {
	if !conn.IsOpen() {
		log.Error().
			WithMeta("conn", conn.Config.Name).
			Msgf("cannot send %s, connect to the server first", name).
			Send()
		return socket.ErrConnectionNotEstablished
	}

	if id == "" {
		id = uuid.New().String()
	}

	frame, err := socket.EncodeRequest(c.catalog, name, id, payload)
	if err != nil {
		log.Error().
			WithMeta("conn", conn.Config.Name).
			Msgf("failed to create packet for %s: %v", name, err).
			Send()
		return err
	}

	return conn.Request(id, c.handler(name), frame)
}

// process registers h for name and runs send, the common shape of every
// operation.
func (c *Client) process(name string, h Handler, send func() error) error {
	if h == nil {
		log.Error().
			WithMeta("scope", "client").
			Msgf("handler for %s is not callable", name).
			Send()
		return ErrNilHandler
	}
	if err := c.RegisterHandler(name, h); err != nil {
		return err
	}
	return send()
}

// post runs fn on the dispatcher goroutine. Results produced by background
// work reach user handlers this way.
func (c *Client) post(fn func()) {
	select {
	case c.posts <- fn:
	case <-c.ctx.Done():
		log.Debug().
			WithMeta("scope", "client").
			Msg("dropping callback posted after close").
			Send()
	}
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case fn := <-c.posts:
			nopanic.NoPanicRunVoid("posted callback", fn)
		case <-c.ctx.Done():
			return
		}
	}
}

// controlSender adapts the control channel for the transfer sessions.
type controlSender struct {
	c *Client
}

func (s controlSender) Send(name, id string, payload []byte, done func(error)) error {
	frame, err := socket.EncodeRequest(s.c.catalog, name, id, payload)
	if err != nil {
		return err
	}
	return s.c.control.Send(frame, done)
}

func (s controlSender) Ready(name string) error {
	if !s.c.control.IsOpen() {
		return socket.ErrConnectionNotEstablished
	}
	_, err := s.c.catalog.Opcode(name)
	return err
}

func (s controlSender) WriteInFlight() bool {
	return s.c.control.WriteInFlight()
}
