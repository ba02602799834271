package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"
	"github.com/lattesec/agvclient/internal/metric"
	"github.com/lattesec/agvclient/internal/status"
	"github.com/lattesec/log"
)

const (
	TempSuffix       = ".tmp"
	DefaultModelFile = "agv_model_para.json"
)

// Kind selects the local subdirectory and the request used for a pull.
type Kind uint8

const (
	KindMap Kind = iota
	KindLog
	KindModel
	KindVideo
	KindTeachin
)

var kinds = [...]struct {
	name, dir, request string
}{
	KindMap:     {"map", "map", "PULL_MAP"},
	KindLog:     {"log", "log", "GET_LOG_FILE"},
	KindModel:   {"model", "model", "GET_MODEL_FILE"},
	KindVideo:   {"video", "video", "GET_CAMERA_VIDEO"},
	KindTeachin: {"teachin", "teachin", "GET_TEACHIN_FILE"},
}

func (k Kind) valid() bool {
	return int(k) < len(kinds)
}

func (k Kind) String() string {
	if !k.valid() {
		return "unknown"
	}
	return kinds[k].name
}

func (k Kind) Dir() string {
	if !k.valid() {
		return ""
	}
	return kinds[k].dir
}

func (k Kind) RequestName() string {
	if !k.valid() {
		return ""
	}
	return kinds[k].request
}

func ParseKind(s string) (Kind, error) {
	for i, k := range kinds {
		if k.name == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Destination is where a pulled file of kind k ends up under root. Names
// may hold subdirectories but must stay inside <root>/<kind dir>.
func Destination(root string, k Kind, name string) (string, error) {
	if !k.valid() {
		return "", ErrUnknownKind
	}
	rel := filepath.FromSlash(name)
	if filepath.IsAbs(rel) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidName, name)
	}

	base := filepath.Join(root, k.Dir())
	dest := filepath.Join(base, rel)
	inside, err := filepath.Rel(base, dest)
	if err != nil || inside == "." || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q leaves %s", ErrInvalidName, name, base)
	}
	return dest, nil
}

// Pull downloads a file one chunk per reply. Data goes to <dest>.tmp which
// is renamed over <dest> on "end".
type Pull struct {
	sender  Sender
	opts    Options
	metrics *metric.Metrics

	mu       sync.Mutex
	id       string
	kind     Kind
	dest     string
	file     *os.File
	received int64
	handler  Handler
}

type pullReply struct {
	Code      *int      `json:"code"`
	Message   string    `json:"message"`
	Hint      string    `json:"hint"`
	TotalSize int64     `json:"total_size"`
	Data      ByteArray `json:"data"`
}

// Start asks the robot for name. An empty model name pulls the default
// model parameter file.
func (p *Pull) Start(k Kind, name string, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	if !k.valid() {
		return ErrUnknownKind
	}
	if k == KindModel && strings.TrimSpace(name) == "" {
		name = DefaultModelFile
	}
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}

	dest, err := Destination(p.opts.Root, k, name)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.id != "" {
		busy := p.dest
		p.mu.Unlock()
		return fmt.Errorf("%w: %s is getting", ErrInProgress, busy)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		p.mu.Unlock()
		return errors.Join(ErrCreateDirectory, err)
	}

	p.id = uuid.New().String()
	p.kind = k
	p.dest = dest
	p.received = 0
	p.handler = h
	id := p.id
	p.mu.Unlock()

	log.Info().
		WithMeta("scope", "transfer").
		WithMeta("kind", k.String()).
		WithMeta("id", id).
		Msgf("pulling %s into %s", name, dest).
		Send()

	start, _ := json.Marshal(map[string]string{"file_name": name, "hint": "start"})
	if err := p.sender.Send(k.RequestName(), id, start, nil); err != nil {
		p.mu.Lock()
		if p.id == id {
			p.clearLocked(true)
		}
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Pull) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id != ""
}

func (p *Pull) route(id string) (Handler, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.id == "" || p.id != id {
		return nil, false
	}
	return func(payload []byte) { p.reply(id, payload) }, true
}

func (p *Pull) reply(id string, payload []byte) {
	var r pullReply
	err := json.Unmarshal(payload, &r)

	p.mu.Lock()
	if p.id != id {
		p.mu.Unlock()
		return
	}
	h, k, dest := p.handler, p.kind, p.dest

	if err != nil || r.Code == nil || *r.Code != 0 {
		p.clearLocked(true)
		p.mu.Unlock()

		log.Warn().
			WithMeta("scope", "transfer").
			WithMeta("kind", k.String()).
			WithMeta("id", id).
			Msgf("pull rejected: %.256s", payload).
			Send()
		p.metrics.TransferDone(k.String(), "failure")
		h(payload)
		return
	}

	phase := r.Message
	if phase == "" {
		phase = r.Hint
	}

	if phase == "start" {
		if p.file != nil {
			// a repeated start restarts the download from zero
			_ = p.file.Close()
			p.file = nil
			p.received = 0
		}
		tmp := dest + TempSuffix
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			p.clearLocked(false)
			p.mu.Unlock()

			p.metrics.TransferDone(k.String(), "failure")
			h(status.Response(status.OpenFileFail, tmp+" failed to open: "+err.Error()))
			return
		}
		p.file = f
		p.mu.Unlock()

		log.Debug().
			WithMeta("scope", "transfer").
			WithMeta("kind", k.String()).
			WithMeta("id", id).
			Msgf("remote size %s", sizestr.ToString(r.TotalSize)).
			Send()
		p.next(id, k)
		return
	}

	if p.file == nil {
		p.clearLocked(true)
		p.mu.Unlock()

		p.metrics.TransferDone(k.String(), "failure")
		h(status.Response(status.GetFileFailed, "data received before start"))
		return
	}

	if _, err := p.file.Write(r.Data); err != nil {
		p.clearLocked(true)
		p.mu.Unlock()

		p.metrics.TransferDone(k.String(), "failure")
		h(status.Response(status.GetFileFailed, "write "+dest+TempSuffix+": "+err.Error()))
		return
	}
	p.received += int64(len(r.Data))
	p.metrics.TransferProgress(k.String(), len(r.Data))

	if phase != "end" {
		p.mu.Unlock()
		p.next(id, k)
		return
	}

	received := p.received
	closeErr := p.file.Close()
	p.file = nil
	p.clearLocked(false)
	p.mu.Unlock()

	res := p.finish(k, dest, closeErr)
	log.Info().
		WithMeta("scope", "transfer").
		WithMeta("kind", k.String()).
		WithMeta("id", id).
		Msgf("pulled %s (%s)", dest, sizestr.ToString(received)).
		Send()
	h(res)
}

// finish moves the temp file over dest.
func (p *Pull) finish(kind Kind, dest string, closeErr error) []byte {
	tmp := dest + TempSuffix
	k := kind.String()

	err := closeErr
	if err == nil {
		if rmErr := os.Remove(dest); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Debug().
				WithMeta("scope", "transfer").
				Msgf("failed to remove %s: %v", dest, rmErr).
				Send()
		}
		err = os.Rename(tmp, dest)
	}
	if err != nil {
		p.metrics.TransferDone(k, "failure")
		return status.Response(status.RenameFailed, err.Error())
	}

	p.metrics.TransferDone(k, "success")
	return status.ResponseWithData(status.Success, "success", map[string]string{"filename": dest})
}

func (p *Pull) next(id string, k Kind) {
	cont, _ := json.Marshal(map[string]string{"file_name": "", "hint": "continue"})
	if err := p.sender.Send(k.RequestName(), id, cont, nil); err != nil {
		p.fail(id, err)
	}
}

func (p *Pull) fail(id string, err error) {
	p.mu.Lock()
	if p.id != id {
		p.mu.Unlock()
		return
	}
	h, k := p.handler, p.kind
	p.clearLocked(true)
	p.mu.Unlock()

	p.metrics.TransferDone(k.String(), "failure")
	h(status.Response(status.GetFileFailed, err.Error()))
}

func (p *Pull) abort(reason string) {
	p.mu.Lock()
	if p.id == "" {
		p.mu.Unlock()
		return
	}
	h, k := p.handler, p.kind
	p.clearLocked(true)
	p.mu.Unlock()

	p.metrics.TransferDone(k.String(), "aborted")
	h(status.Response(status.GetFileFailed, reason))
}

// caller holds the lock
func (p *Pull) clearLocked(removeTemp bool) {
	if p.file != nil {
		_ = p.file.Close()
		p.file = nil
	}
	if removeTemp && p.dest != "" {
		_ = os.Remove(p.dest + TempSuffix)
	}
	p.id = ""
	p.received = 0
}
