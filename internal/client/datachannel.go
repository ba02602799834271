package client

import (
	"errors"
	"net"
	"time"

	"github.com/lattesec/agvclient/internal/socket"
	"github.com/lattesec/log"
)

// SendOnDataChannel queues request name on the data channel. When the
// channel is down it fails at once and a reconnect is started in the
// background, provided the control channel is up.
func (c *Client) SendOnDataChannel(name string, payload []byte, id string) error {
	if !c.data.IsOpen() {
		log.Error().
			WithMeta("conn", c.cfg.Data.Name).
			Msgf("cannot send %s, data channel is not open", name).
			Send()
		_ = c.connectData()
		return socket.ErrConnectionNotEstablished
	}
	return c.request(c.data, name, payload, id)
}

// dataAllowed reports whether the data channel may be (re)established: the
// control channel is up and the user has not disconnected.
//
// caller holds c.mu
func (c *Client) dataAllowed() bool {
	return !c.userDisconnect && c.host != "" && c.port != "" && c.control.IsOpen()
}

// connectData dials the data channel on its own goroutine. At most one
// attempt runs at a time, and none while the control channel is down.
func (c *Client) connectData() error {
	c.mu.Lock()
	if !c.dataAllowed() {
		c.mu.Unlock()
		return socket.ErrConnectionNotEstablished
	}
	if c.dataConnecting {
		c.mu.Unlock()
		return nil
	}
	c.dataConnecting = true
	gen := c.dataGen
	addr := net.JoinHostPort(c.host, c.port)
	c.mu.Unlock()

	go func() {
		err := c.data.Dial(c.ctx, addr)

		c.mu.Lock()
		stale := gen != c.dataGen
		if !stale {
			c.dataConnecting = false
			if err == nil {
				c.dataBackoff.Reset()
			}
		}
		// torn down while dialing
		orphan := err == nil && stale && !c.dataAllowed()
		c.mu.Unlock()

		switch {
		case orphan:
			_ = c.data.Close()
			log.Debug().
				WithMeta("conn", c.cfg.Data.Name).
				WithMeta("peer", addr).
				Msg("data channel closed, control went down while dialing").
				Send()
		case err == nil:
			log.Info().
				WithMeta("conn", c.cfg.Data.Name).
				WithMeta("peer", addr).
				Msg("data channel connected").
				Send()
		case errors.Is(err, socket.ErrConnectionSuperseded):
		default:
			log.Warn().
				WithMeta("conn", c.cfg.Data.Name).
				WithMeta("peer", addr).
				Msgf("data channel connect failed, retrying on next data request: %v", err).
				Send()
		}
	}()
	return nil
}

// closeData stops the data streams, cancels any pending reconnect and
// closes the data channel.
func (c *Client) closeData() {
	c.stopDataStreams()

	c.mu.Lock()
	c.dataGen++
	c.dataConnecting = false
	if c.dataTimer != nil {
		c.dataTimer.Stop()
		c.dataTimer = nil
	}
	c.mu.Unlock()

	if err := c.data.Close(); err != nil {
		log.Debug().
			WithMeta("conn", c.cfg.Data.Name).
			Msgf("close: %v", err).
			Send()
	}
}

// dataFailed runs after the data channel broke. A reconnect is scheduled
// while the control channel is still up.
func (c *Client) dataFailed(err error) {
	c.mu.Lock()
	if !c.dataAllowed() {
		c.mu.Unlock()
		return
	}
	if c.dataTimer != nil {
		c.dataTimer.Stop()
	}
	delay := c.dataBackoff.Duration()
	gen := c.dataGen
	c.dataTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		stale := gen != c.dataGen
		if !stale {
			c.dataTimer = nil
		}
		c.mu.Unlock()
		if stale {
			return
		}
		if err := c.connectData(); err != nil {
			log.Debug().
				WithMeta("conn", c.cfg.Data.Name).
				Msgf("data reconnect skipped: %v", err).
				Send()
		}
	})
	c.mu.Unlock()

	c.metrics.Reconnect(c.cfg.Data.Name)
	log.Info().
		WithMeta("conn", c.cfg.Data.Name).
		Msgf("data channel lost (%v), reconnecting in %s", err, delay).
		Send()
}
