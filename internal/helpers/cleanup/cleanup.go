// Package cleanup runs registered shutdown functions once a termination
// signal arrives.
package cleanup

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/lattesec/agvclient/internal/helpers/nopanic"
	"github.com/lattesec/log"
)

type CleanupFunc func() error

var (
	mu     sync.Mutex
	nextID uint64
	fns    = make(map[uint64]CleanupFunc)
)

// Register registers a cleanup function
// that is called on exit
func Register(fn CleanupFunc) uint64 {
	mu.Lock()
	defer mu.Unlock()
	nextID++
	fns[nextID] = fn
	return nextID
}

func Unregister(id uint64) {
	mu.Lock()
	delete(fns, id)
	mu.Unlock()
}

// Run calls every registered function once, newest first, and forgets them.
func Run() {
	mu.Lock()
	ids := make([]uint64, 0, len(fns))
	for id := range fns {
		ids = append(ids, id)
	}
	pending := fns
	fns = make(map[uint64]CleanupFunc)
	mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	for _, id := range ids {
		name := fmt.Sprintf("cleanup %d", id)
		if err := nopanic.NoPanicRun(name, pending[id]); err != nil {
			log.Error().
				WithMeta("scope", "cleanup").
				Msgf("%s failed: %v", name, err).
				Send()
		}
	}
}

// Wait blocks until SIGINT or SIGTERM, then runs the cleanup functions.
func Wait() os.Signal {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	sig := <-sigs
	log.Info().
		WithMeta("scope", "cleanup").
		Msgf("received %s, shutting down", sig).
		Send()
	Run()
	return sig
}
