// Package transfer implements the three chunked file transfers spoken on the
// control channel: upload (client paced), push (server paced upload) and
// pull (server paced download).
//
// At most one transfer of each kind is active. Replies for an active transfer
// are routed by id through Manager.Route and never enter the single-shot
// correlation table.
package transfer

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/lattesec/agvclient/internal/metric"
	"github.com/lattesec/agvclient/internal/socket"
	"github.com/lattesec/agvclient/internal/status"
)

var (
	ErrInProgress      = errors.New("transfer already in progress")
	ErrEmptyFile       = errors.New("file is empty")
	ErrEmptyName       = errors.New("file name is empty")
	ErrInvalidName     = errors.New("invalid file name")
	ErrNilHandler      = errors.New("handler is nil")
	ErrUnknownKind     = errors.New("unknown file kind")
	ErrCreateDirectory = errors.New("failed to create directory")
)

// Handler receives progress and completion envelopes.
type Handler = socket.Handler

// Sender writes one framed request on the control channel. Ready reports
// why request name cannot be sent right now, or nil.
type Sender interface {
	Send(name, id string, payload []byte, done func(error)) error
	Ready(name string) error
	WriteInFlight() bool
}

type Options struct {
	Root      string // local storage root for pulled files
	ChunkSize int

	UploadFirstDelay time.Duration // before the first upload chunk
	UploadNextDelay  time.Duration // between upload chunks
	UploadBusyDelay  time.Duration // retry when another write is in flight
}

func DefaultOptions() Options {
	return Options{
		Root:      ".",
		ChunkSize: 8 << 10, // 8KiB

		UploadFirstDelay: 10 * time.Millisecond,
		UploadNextDelay:  7 * time.Millisecond,
		UploadBusyDelay:  time.Second,
	}
}

// Manager owns one session per transfer kind.
type Manager struct {
	Upload *Upload
	Push   *Push
	Pull   *Pull
}

func NewManager(s Sender, opts Options, m *metric.Metrics) *Manager {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultOptions().ChunkSize
	}
	return &Manager{
		Upload: &Upload{sender: s, opts: opts, metrics: m},
		Push:   &Push{sender: s, opts: opts, metrics: m},
		Pull:   &Pull{sender: s, opts: opts, metrics: m},
	}
}

// Route answers for the ids of active transfers. It is installed as the
// control channel's socket.Router.
func (m *Manager) Route(id string) (socket.Handler, bool) {
	if h, ok := m.Upload.route(id); ok {
		return h, true
	}
	if h, ok := m.Push.route(id); ok {
		return h, true
	}
	return m.Pull.route(id)
}

// AbortAll clears every active transfer and tells each handler once.
func (m *Manager) AbortAll(reason string) {
	m.Upload.abort(reason)
	m.Push.abort(reason)
	m.Pull.abort(reason)
}

// Active reports which kinds are currently running.
func (m *Manager) Active() (upload, push, pull bool) {
	return m.Upload.Active(), m.Push.Active(), m.Pull.Active()
}

// ByteArray marshals as a JSON array of integers, the wire form the robot
// uses for file contents.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}

	// a plain []uint8 target accepts the array form
	var ints []uint8
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	*b = ints
	return nil
}

type progress struct {
	TotalSize       int64 `json:"total_size"`
	CurrentPushSize int64 `json:"current_push_size"`
}

func outcome(code status.Code) string {
	if code == status.Success {
		return "success"
	}
	return "failure"
}
