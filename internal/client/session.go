package client

import (
	"errors"
	"net"
	"time"

	"github.com/lattesec/agvclient/internal/helpers/nopanic"
	"github.com/lattesec/agvclient/internal/socket"
	"github.com/lattesec/log"
)

const closedReason = "connection closed"

// ConnectFunc reports whether a connect attempt succeeded.
type ConnectFunc func(ok bool)

// Connect drops both channels, records the endpoint and dials the control
// channel after a short settle delay. cb runs once the attempt finished; on
// success the data channel is opened afterwards. Connect does not block.
func (c *Client) Connect(host, port string, cb ConnectFunc) {
	c.teardown()

	c.mu.Lock()
	c.host, c.port = host, port
	c.userDisconnect = false
	c.connectGen++
	gen := c.connectGen
	if c.settle != nil {
		c.settle.Stop()
	}
	c.settle = time.AfterFunc(c.cfg.SettleDelay, func() { c.dial(gen, cb) })
	c.mu.Unlock()
}

// SwitchServer moves the client to another robot.
func (c *Client) SwitchServer(host, port string, cb ConnectFunc) {
	c.Connect(host, port, cb)
}

// Disconnect drops both channels and keeps the heartbeat from reconnecting
// until the next Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.userDisconnect = true
	c.connectGen++
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
	c.mu.Unlock()

	c.teardown()
}

// Endpoint is the last host and port given to Connect.
func (c *Client) Endpoint() (host, port string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host, c.port
}

func (c *Client) Connected() bool {
	return c.control.IsOpen()
}

func (c *Client) DataConnected() bool {
	return c.data.IsOpen()
}

func (c *Client) dial(gen uint64, cb ConnectFunc) {
	c.mu.Lock()
	if gen != c.connectGen {
		c.mu.Unlock()
		report(cb, false)
		return
	}
	addr := net.JoinHostPort(c.host, c.port)
	c.mu.Unlock()

	err := c.control.Dial(c.ctx, addr)
	if err != nil {
		log.Error().
			WithMeta("conn", c.cfg.Control.Name).
			WithMeta("peer", addr).
			Msgf("connect failed: %v", err).
			Send()
		if !errors.Is(err, socket.ErrConnectionSuperseded) {
			_ = c.control.Close()
		}
		report(cb, false)
		return
	}

	report(cb, true)

	log.Info().
		WithMeta("conn", c.cfg.Control.Name).
		WithMeta("peer", addr).
		Msg("control channel up, establishing data channel").
		Send()
	c.connectData()
}

func report(cb ConnectFunc, ok bool) {
	if cb == nil {
		return
	}
	nopanic.NoPanicRunVoid("connect callback", func() { cb(ok) })
}

// teardown closes both channels, stops every stream and aborts the active
// transfers.
func (c *Client) teardown() {
	c.stopStreams()
	c.stopOTAPoll()

	if err := c.control.Close(); err != nil {
		log.Debug().
			WithMeta("conn", c.cfg.Control.Name).
			Msgf("close: %v", err).
			Send()
	}
	c.closeData()
	c.transfers.AbortAll(closedReason)
}

// controlFailed runs after the control channel broke. Reconnecting is left
// to the heartbeat.
func (c *Client) controlFailed(err error) {
	log.Warn().
		WithMeta("conn", c.cfg.Control.Name).
		Msgf("control channel down, waiting for heartbeat to reconnect: %v", err).
		Send()

	c.stopStreams()
	c.stopOTAPoll()
	c.closeData()
	c.transfers.AbortAll(closedReason)
}
