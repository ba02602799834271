// Package probe checks which robots answer on their control port.
package probe

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/lattesec/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPort    = "9034"
	DefaultTimeout = 3 * time.Second
)

type Result struct {
	IP        string `json:"ip"`
	Connected bool   `json:"connected"`
}

type Prober struct {
	Port    string        `yaml:"port"`    // used when an address carries no port
	Timeout time.Duration `yaml:"timeout"` // per address
}

func New() *Prober {
	return &Prober{Port: DefaultPort, Timeout: DefaultTimeout}
}

// Check dials every address concurrently and calls done exactly once with
// one result per address, in completion order. done runs on its own
// goroutine unless addrs is empty, in which case it runs before Check
// returns.
func (p *Prober) Check(ctx context.Context, addrs []string, done func([]Result)) {
	if len(addrs) == 0 {
		done([]Result{})
		return
	}

	go func() {
		done(p.Run(ctx, addrs))
	}()
}

// Run is the blocking form of Check.
func (p *Prober) Run(ctx context.Context, addrs []string) []Result {
	var (
		mu      sync.Mutex
		results = make([]Result, 0, len(addrs))
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, addr := range addrs {
		g.Go(func() error {
			ok := p.dial(ctx, addr)

			mu.Lock()
			results = append(results, Result{IP: addr, Connected: ok})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (p *Prober) dial(ctx context.Context, addr string) bool {
	target := addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		port := p.Port
		if port == "" {
			port = DefaultPort
		}
		target = net.JoinHostPort(addr, port)
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		log.Debug().
			WithMeta("scope", "probe").
			WithMeta("peer", target).
			Msgf("unreachable: %v", err).
			Send()
		return false
	}
	_ = conn.Close()

	log.Debug().
		WithMeta("scope", "probe").
		WithMeta("peer", target).
		Msg("reachable").
		Send()
	return true
}
