package transfer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"
	"github.com/lattesec/agvclient/internal/metric"
	"github.com/lattesec/agvclient/internal/status"
	"github.com/lattesec/log"
)

const (
	UploadRequest = "UPLOAD_FILE"
	uploadStart   = "StartUploadFile"
)

// Upload streams a local file in fixed size chunks paced by a timer. The
// robot acknowledges with {"code", "data": {"receivedFileSize"}}.
//
// The session is sending while the file is open; acknowledgements keep being
// routed after the last chunk went out, until the robot reports the full
// size, reports an error, or the channel goes down.
type Upload struct {
	sender  Sender
	opts    Options
	metrics *metric.Metrics

	mu      sync.Mutex
	id      string
	file    *os.File
	name    string
	typ     string
	size    int64
	sent    int64
	chunk   int
	failed  bool
	timer   *time.Timer
	gen     uint64
	handler Handler
}

type uploadAck struct {
	Code *int `json:"code"`
	Data struct {
		ReceivedFileSize int64 `json:"receivedFileSize"`
	} `json:"data"`
}

// Start begins uploading path with the given file type tag.
func (u *Upload) Start(path, typ string, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	if path == "" {
		return ErrEmptyName
	}
	if err := u.sender.Ready(UploadRequest); err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.file != nil {
		return fmt.Errorf("%w: %s is uploading", ErrInProgress, u.name)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if st.Size() <= 0 {
		_ = f.Close()
		return fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	u.gen++
	u.id = uuid.New().String()
	u.file = f
	u.name = filepath.Base(path)
	u.typ = typ
	u.size = st.Size()
	u.sent = 0
	u.chunk = 0
	u.failed = false
	u.handler = h
	u.arm(u.opts.UploadFirstDelay)

	log.Info().
		WithMeta("scope", "transfer").
		WithMeta("kind", "upload").
		WithMeta("id", u.id).
		Msgf("uploading %s (%s)", u.name, sizestr.ToString(u.size)).
		Send()
	return nil
}

// Active reports whether chunks are still being sent.
func (u *Upload) Active() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.file != nil
}

func (u *Upload) ID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.id
}

// caller holds the lock
func (u *Upload) arm(d time.Duration) {
	gen := u.gen
	u.timer = time.AfterFunc(d, func() { u.step(gen) })
}

func (u *Upload) step(gen uint64) {
	u.mu.Lock()
	if gen != u.gen || u.file == nil {
		u.mu.Unlock()
		return
	}
	if u.failed {
		u.clearLocked()
		u.mu.Unlock()
		return
	}
	if u.sender.WriteInFlight() {
		u.arm(u.opts.UploadBusyDelay)
		u.mu.Unlock()
		return
	}

	var payload []byte
	if u.chunk == 0 {
		payload = []byte(uploadStart + "|" + u.name + "|" + u.typ + "|" + strconv.FormatInt(u.size, 10))
	} else {
		buf := make([]byte, u.opts.ChunkSize)
		n, err := io.ReadFull(u.file, buf)
		if n == 0 {
			// every byte is out, keep the id for the remaining acks
			if err != nil && err != io.EOF {
				log.Warn().
					WithMeta("scope", "transfer").
					WithMeta("kind", "upload").
					Msgf("read stopped early: %v", err).
					Send()
			}
			_ = u.file.Close()
			u.file = nil
			chunks, id := u.chunk, u.id
			u.mu.Unlock()
			log.Info().
				WithMeta("scope", "transfer").
				WithMeta("kind", "upload").
				WithMeta("id", id).
				Msgf("finished sending %d chunks", chunks).
				Send()
			return
		}
		payload = buf[:n]
	}

	id, n := u.id, len(payload)
	if u.chunk == 0 {
		n = 0
	}
	u.mu.Unlock()

	err := u.sender.Send(UploadRequest, id, payload, func(err error) { u.written(gen, n, err) })
	if err != nil {
		u.written(gen, n, err)
	}
}

func (u *Upload) written(gen uint64, n int, err error) {
	u.mu.Lock()
	if gen != u.gen {
		u.mu.Unlock()
		return
	}

	if err != nil {
		h := u.handler
		u.clearLocked()
		u.mu.Unlock()

		u.metrics.TransferDone("upload", outcome(status.UploadFailed))
		h(status.Response(status.UploadFailed, "async_write failed: "+err.Error()))
		return
	}

	u.chunk++
	u.sent += int64(n)
	if u.file != nil {
		u.arm(u.opts.UploadNextDelay)
	}
	u.mu.Unlock()

	u.metrics.TransferProgress("upload", n)
}

func (u *Upload) route(id string) (Handler, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.id == "" || u.id != id {
		return nil, false
	}
	return func(payload []byte) { u.ack(id, payload) }, true
}

func (u *Upload) ack(id string, payload []byte) {
	u.mu.Lock()
	if u.id != id {
		u.mu.Unlock()
		return
	}
	h, size := u.handler, u.size
	u.mu.Unlock()

	h(payload)

	var a uploadAck
	if err := json.Unmarshal(payload, &a); err != nil || a.Code == nil || *a.Code != 0 {
		log.Warn().
			WithMeta("scope", "transfer").
			WithMeta("kind", "upload").
			WithMeta("id", id).
			Msgf("upload rejected: %s", payload).
			Send()

		u.mu.Lock()
		if u.id == id {
			u.failed = true
			if u.file == nil {
				u.clearLocked()
			}
		}
		u.mu.Unlock()
		u.metrics.TransferDone("upload", "failure")
		return
	}

	if a.Data.ReceivedFileSize < size {
		return
	}

	u.mu.Lock()
	if u.id != id {
		u.mu.Unlock()
		return
	}
	u.clearLocked()
	u.mu.Unlock()

	log.Info().
		WithMeta("scope", "transfer").
		WithMeta("kind", "upload").
		WithMeta("id", id).
		Msgf("upload completed (%s)", sizestr.ToString(size)).
		Send()
	u.metrics.TransferDone("upload", "success")
	h(status.Response(status.Success, "file upload completed"))
}

func (u *Upload) abort(reason string) {
	u.mu.Lock()
	if u.id == "" {
		u.mu.Unlock()
		return
	}
	h := u.handler
	u.clearLocked()
	u.mu.Unlock()

	u.metrics.TransferDone("upload", "aborted")
	h(status.Response(status.UploadFailed, reason))
}

// caller holds the lock
func (u *Upload) clearLocked() {
	u.gen++
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
	if u.file != nil {
		_ = u.file.Close()
		u.file = nil
	}
	u.id = ""
	u.failed = false
}
