// Package status builds the {"code","message"[,"data"]} envelopes reported
// to transfer and operation callbacks.
package status

import (
	"encoding/json"
	"strconv"
)

type Code int

const (
	Success       Code = 0
	OpenFileFail  Code = 1
	UploadFailed  Code = 2
	PushFail      Code = 3
	ReadFileFail  Code = 4
	RenameFailed  Code = 5
	GetFileFailed Code = 6
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case OpenFileFail:
		return "open file failed"
	case UploadFailed:
		return "upload failed"
	case PushFail:
		return "push failed"
	case ReadFileFail:
		return "read file failed"
	case RenameFailed:
		return "rename failed"
	case GetFileFailed:
		return "get file failed"
	default:
		return "code " + strconv.Itoa(int(c))
	}
}

type Envelope struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e Envelope) Bytes() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		// only Data can fail to marshal
		b, _ = json.Marshal(Envelope{Code: e.Code, Message: e.Message})
	}
	return b
}

func Response(code Code, message string) []byte {
	return Envelope{Code: code, Message: message}.Bytes()
}

func ResponseWithData(code Code, message string, data any) []byte {
	return Envelope{Code: code, Message: message, Data: data}.Bytes()
}

// Reply is the subset of a robot reply the engine inspects.
type Reply struct {
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Hint    string          `json:"hint"`
	Data    json.RawMessage `json:"data"`
}

// ParseReply decodes payload when it is a JSON object.
func ParseReply(payload []byte) (Reply, bool) {
	var r Reply
	if err := json.Unmarshal(payload, &r); err != nil {
		return Reply{}, false
	}
	return r, true
}

// CodeOr returns the reply's code, or def when absent.
func (r Reply) CodeOr(def int) int {
	if r.Code == nil {
		return def
	}
	return *r.Code
}
