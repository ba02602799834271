package socket

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"reflect"
	"strconv"

	"github.com/lattesec/agvclient/internal/catalog"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	SyncField  uint16 = 0x4E66
	HeaderSize        = 12
	IDSize            = 36

	// Terminator ends every inbound frame.
	Terminator = "\r\n\r\n"
)

// Tag tells how an inbound payload is encoded.
type Tag byte

const (
	TagText    Tag = '0' // JSON text
	TagMsgpack Tag = '1' // msgpack, control channel
	TagRaw     Tag = '2' // opaque bytes, data channel
)

func (t Tag) String() string {
	switch t {
	case TagText:
		return "text"
	case TagMsgpack:
		return "msgpack"
	case TagRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// The outbound frame header, sent as twelve lowercase hex characters.
type Header struct {
	Opcode uint16
	Len    uint16 // len(id) + len(payload)
}

func (h *Header) MarshalBytes() ([]byte, error) {
	return []byte(fmt.Sprintf("%04x%04x%04x", SyncField, h.Opcode, h.Len)), nil
}

func (h *Header) UnmarshalBytes(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrInvalidHeader
	}

	var raw [6]byte
	if _, err := hex.Decode(raw[:], buf[:HeaderSize]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if uint16(raw[0])<<8|uint16(raw[1]) != SyncField {
		return fmt.Errorf("%w: bad sync field %q", ErrInvalidHeader, buf[:4])
	}

	h.Opcode = uint16(raw[2])<<8 | uint16(raw[3])
	h.Len = uint16(raw[4])<<8 | uint16(raw[5])
	return nil
}

func UnmarshalHeader(buf []byte) (Header, error) {
	var h Header
	err := h.UnmarshalBytes(buf)
	return h, err
}

// Encode frames a request for opcode op.
func Encode(op uint16, id string, payload []byte) ([]byte, error) {
	if len(id) != IDSize {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	n := len(id) + len(payload)
	if n > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}

	h := Header{Opcode: op, Len: uint16(n)}
	head, err := h.MarshalBytes()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, HeaderSize+n)
	buf = append(buf, head...)
	buf = append(buf, id...)
	buf = append(buf, payload...)
	return buf, nil
}

// EncodeRequest looks name up in cat and frames the request. Nothing is
// produced when the name is unknown.
func EncodeRequest(cat *catalog.Catalog, name, id string, payload []byte) ([]byte, error) {
	op, err := cat.Opcode(name)
	if err != nil {
		return nil, err
	}
	return Encode(op, id, payload)
}

// Request is an outbound frame as seen by the robot.
type Request struct {
	Header
	ID      string
	Payload []byte
}

// ReadRequest reads one outbound frame from r.
func ReadRequest(r io.Reader) (Request, error) {
	head := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return Request{}, err
	}

	h, err := UnmarshalHeader(head)
	if err != nil {
		return Request{}, err
	}
	if h.Len < IDSize {
		return Request{}, fmt.Errorf("%w: length %d shorter than id", ErrInvalidHeader, h.Len)
	}

	body := make([]byte, h.Len)
	if _, err := io.ReadFull(r, body); err != nil {
		return Request{}, err
	}

	return Request{
		Header:  h,
		ID:      string(body[:IDSize]),
		Payload: body[IDSize:],
	}, nil
}

// Frame is a decoded inbound body.
type Frame struct {
	ID      string
	Tag     Tag
	Payload []byte
}

// ParseFrame splits an inbound body (without terminator) into id, tag and
// payload. The payload is copied.
func ParseFrame(body []byte) (Frame, error) {
	i := bytes.IndexByte(body, '|')
	if i < 0 {
		return Frame{}, fmt.Errorf("%w: missing separator", ErrMalformedFrame)
	}

	rest := body[i+1:]
	if len(rest) == 0 {
		return Frame{}, fmt.Errorf("%w: missing tag", ErrMalformedFrame)
	}

	f := Frame{ID: string(body[:i]), Tag: Tag(rest[0])}
	rest = rest[1:]
	if len(rest) > 0 {
		if rest[0] != '|' {
			return Frame{}, fmt.Errorf("%w: tag longer than one byte", ErrMalformedFrame)
		}
		rest = rest[1:]
	}

	f.Payload = append([]byte(nil), rest...)
	return f, nil
}

// EncodeReply builds an inbound frame, terminator included.
func EncodeReply(id string, tag Tag, payload []byte) []byte {
	buf := make([]byte, 0, len(id)+3+len(payload)+len(Terminator))
	buf = append(buf, id...)
	buf = append(buf, '|', byte(tag), '|')
	buf = append(buf, payload...)
	buf = append(buf, Terminator...)
	return buf
}

// ScanFrames is a bufio.SplitFunc yielding terminator-delimited bodies.
// A trailing partial frame at EOF is discarded.
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte(Terminator)); i >= 0 {
		return i + len(Terminator), data[:i], nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = ScanFrames

// MsgpackToJSON converts a msgpack document into JSON text.
func MsgpackToJSON(b []byte) ([]byte, error) {
	var v any
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return json.Marshal(jsonable(v))
}

// jsonable rewrites msgpack-decoded values so encoding/json accepts them:
// non-string map keys are stringified and binary becomes an int array.
func jsonable(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = jsonable(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = jsonable(e)
		}
		return t
	case []byte:
		out := make([]int, len(t))
		for i, b := range t {
			out[i] = int(b)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return v
	}

	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[mapKey(iter.Key().Interface())] = jsonable(iter.Value().Interface())
	}
	return out
}

func mapKey(k any) string {
	switch t := k.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int8:
		return strconv.FormatInt(int64(t), 10)
	case int16:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint8:
		return strconv.FormatUint(uint64(t), 10)
	case uint16:
		return strconv.FormatUint(uint64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	default:
		return fmt.Sprint(t)
	}
}
