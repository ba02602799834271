package transfer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"
	"github.com/lattesec/agvclient/internal/metric"
	"github.com/lattesec/agvclient/internal/status"
	"github.com/lattesec/log"
)

const PushRequest = "PUSH_MAP"

// Push sends a file one chunk per "continue" reply from the robot.
type Push struct {
	sender  Sender
	opts    Options
	metrics *metric.Metrics

	mu      sync.Mutex
	id      string
	file    *os.File
	name    string
	size    int64
	sent    int64
	handler Handler
}

type pushChunk struct {
	Hint            string    `json:"hint"`
	Data            ByteArray `json:"data"`
	TotalSize       int64     `json:"total_size"`
	CurrentPushSize int64     `json:"current_push_size"`
}

type pushError struct {
	Hint    string      `json:"hint"`
	Code    status.Code `json:"code"`
	Message string      `json:"message"`
	Data    progress    `json:"data"`
}

func (p *Push) Start(path string, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	if path == "" {
		return ErrEmptyName
	}

	p.mu.Lock()
	if p.id != "" {
		name := p.name
		p.mu.Unlock()
		return fmt.Errorf("%w: %s is pushing", ErrInProgress, name)
	}

	f, err := os.Open(path)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		p.mu.Unlock()
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	p.id = uuid.New().String()
	p.file = f
	p.name = filepath.Base(path)
	p.size = st.Size()
	p.sent = 0
	p.handler = h
	id, name := p.id, p.name
	p.mu.Unlock()

	log.Info().
		WithMeta("scope", "transfer").
		WithMeta("kind", "push").
		WithMeta("id", id).
		Msgf("pushing %s (%s)", name, sizestr.ToString(st.Size())).
		Send()

	start, _ := json.Marshal(map[string]string{"file_name": name, "hint": "start"})
	if err := p.sender.Send(PushRequest, id, start, nil); err != nil {
		p.mu.Lock()
		if p.id == id {
			p.clearLocked()
		}
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Push) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id != ""
}

func (p *Push) route(id string) (Handler, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.id == "" || p.id != id {
		return nil, false
	}
	return func(payload []byte) { p.reply(id, payload) }, true
}

func (p *Push) reply(id string, payload []byte) {
	r, ok := status.ParseReply(payload)

	p.mu.Lock()
	if p.id != id {
		p.mu.Unlock()
		return
	}
	h := p.handler

	if !ok || r.CodeOr(-1) != 0 {
		p.clearLocked()
		p.mu.Unlock()

		p.metrics.TransferDone("push", "failure")
		h(payload)
		return
	}

	if marker(r) != "continue" {
		prog := progress{TotalSize: p.size, CurrentPushSize: p.sent}
		p.clearLocked()
		p.mu.Unlock()

		code, msg := status.Success, "success"
		if prog.CurrentPushSize != prog.TotalSize {
			code, msg = status.PushFail, "push_file_failed"
		}
		log.Info().
			WithMeta("scope", "transfer").
			WithMeta("kind", "push").
			WithMeta("id", id).
			Msgf("push finished: %s of %s", sizestr.ToString(prog.CurrentPushSize), sizestr.ToString(prog.TotalSize)).
			Send()
		p.metrics.TransferDone("push", outcome(code))
		h(status.ResponseWithData(code, msg, prog))
		return
	}

	want := p.size - p.sent
	if want > int64(p.opts.ChunkSize) {
		want = int64(p.opts.ChunkSize)
	}
	buf := make([]byte, want)
	n, err := io.ReadFull(p.file, buf)
	if int64(n) < want {
		prog := progress{TotalSize: p.size, CurrentPushSize: p.sent + int64(n)}
		p.clearLocked()
		p.mu.Unlock()

		log.Warn().
			WithMeta("scope", "transfer").
			WithMeta("kind", "push").
			WithMeta("id", id).
			Msgf("short read, %d of %d bytes: %v", n, want, err).
			Send()

		msg, _ := json.Marshal(pushError{Hint: "error", Code: status.ReadFileFail, Message: "read_file_failed", Data: prog})
		_ = p.sender.Send(PushRequest, id, msg, nil)

		p.metrics.TransferDone("push", "failure")
		h(status.ResponseWithData(status.ReadFileFail, "read_file_failed", prog))
		return
	}

	p.sent += int64(n)
	chunk := pushChunk{Hint: "push", Data: buf, TotalSize: p.size, CurrentPushSize: p.sent}
	if p.sent >= p.size {
		chunk.Hint = "end"
	}
	p.mu.Unlock()

	p.metrics.TransferProgress("push", n)
	msg, _ := json.Marshal(chunk)
	if err := p.sender.Send(PushRequest, id, msg, nil); err != nil {
		p.fail(id, err)
	}
}

func (p *Push) fail(id string, err error) {
	p.mu.Lock()
	if p.id != id {
		p.mu.Unlock()
		return
	}
	h := p.handler
	p.clearLocked()
	p.mu.Unlock()

	p.metrics.TransferDone("push", "failure")
	h(status.Response(status.PushFail, err.Error()))
}

func (p *Push) abort(reason string) {
	p.mu.Lock()
	if p.id == "" {
		p.mu.Unlock()
		return
	}
	h := p.handler
	p.clearLocked()
	p.mu.Unlock()

	p.metrics.TransferDone("push", "aborted")
	h(status.Response(status.PushFail, reason))
}

// caller holds the lock
func (p *Push) clearLocked() {
	if p.file != nil {
		_ = p.file.Close()
		p.file = nil
	}
	p.id = ""
	p.sent = 0
}

// marker is the phase word of a robot reply. It normally sits in "message";
// "hint" is accepted when "message" is empty.
func marker(r status.Reply) string {
	if r.Message != "" {
		return r.Message
	}
	return r.Hint
}
