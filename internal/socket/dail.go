package socket

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/lattesec/log"
)

// Dial opens a TCP connection to address bounded by cfg.ConnectTimeout and
// applies the channel's socket options.
func Dial(ctx context.Context, address string, cfg *ConnConfig) (net.Conn, error) {
	if address == "" {
		return nil, ErrAddressRequired
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		log.Debug().
			WithMeta("conn", cfg.Name).
			WithMeta("peer", address).
			Msgf("failed to dail: %v", err).
			Send()
		return nil, errors.Join(ErrConnectionNotEstablished, fmt.Errorf("dial failed: %w", err))
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(cfg.NoDelay); err != nil {
			log.Warn().
				WithMeta("conn", cfg.Name).
				WithMeta("peer", address).
				Msgf("failed to set nodelay: %v", err).
				Send()
		}
		if cfg.ReceiveBuffer > 0 {
			if err := tcp.SetReadBuffer(cfg.ReceiveBuffer); err != nil {
				log.Warn().
					WithMeta("conn", cfg.Name).
					WithMeta("peer", address).
					Msgf("failed to set receive buffer: %v", err).
					Send()
			}
		}
	}

	return conn, nil
}
