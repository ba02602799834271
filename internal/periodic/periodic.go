// Package periodic runs an action on a fixed interval until stopped.
package periodic

import (
	"sync"
	"time"

	"github.com/lattesec/agvclient/internal/helpers/nopanic"
	"github.com/lattesec/log"
)

// Task fires its action immediately on Start and then every interval.
// Start and Stop are idempotent. A tick whose timer was armed before the
// latest Stop or Start is ignored.
type Task struct {
	name   string
	action func()

	mu       sync.Mutex
	running  bool
	interval time.Duration
	timer    *time.Timer
	gen      uint64
}

func New(name string, action func()) *Task {
	return &Task{name: name, action: action}
}

func (t *Task) Name() string {
	return t.name
}

// Start begins polling. It is a no-op while the task is running.
func (t *Task) Start(interval time.Duration) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.interval = interval
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	log.Debug().
		WithMeta("scope", "periodic").
		WithMeta("task", t.name).
		Msgf("starting every %s", interval).
		Send()

	t.tick(gen)
}

func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}

	log.Debug().
		WithMeta("scope", "periodic").
		WithMeta("task", t.name).
		Msg("stopped").
		Send()
}

func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Task) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

func (t *Task) tick(gen uint64) {
	t.mu.Lock()
	if !t.running || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	nopanic.NoPanicRunVoid(t.name, t.action)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || gen != t.gen {
		return
	}
	t.timer = time.AfterFunc(t.interval, func() { t.tick(gen) })
}
