package scp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

var (
	ErrProtocol = errors.New("scp protocol error")
	ErrRemote   = errors.New("scp remote error")
)

// Header is the "C<mode> <size> <name>" line announcing a file.
type Header struct {
	Mode os.FileMode
	Size int64
	Name string
}

func (h Header) String() string {
	return fmt.Sprintf("C%04o %d %s\n", h.Mode.Perm(), h.Size, h.Name)
}

// Progress reports bytes received so far against the announced size.
type Progress func(received, total int64)

// Receive plays the sink side of one single-file scp transfer: r and w are
// the remote's stdout and stdin. Exactly Header.Size bytes are copied to dst.
func Receive(r io.Reader, w io.Writer, dst io.Writer, progress Progress) (Header, error) {
	br := bufio.NewReader(r)

	if err := ack(w); err != nil {
		return Header{}, err
	}

	var h Header
	for {
		line, err := readLine(br)
		if err != nil {
			return Header{}, err
		}

		switch line[0] {
		case 'T':
			// modification times, acknowledged and otherwise ignored
			if err := ack(w); err != nil {
				return Header{}, err
			}
			continue
		case 'C':
			h, err = parseHeader(line)
			if err != nil {
				return Header{}, err
			}
		case 'D':
			return Header{}, fmt.Errorf("%w: %s is a directory", ErrProtocol, strings.TrimSpace(line[1:]))
		default:
			return Header{}, fmt.Errorf("%w: unexpected line %q", ErrProtocol, line)
		}
		break
	}

	if err := ack(w); err != nil {
		return h, err
	}

	cw := &countingWriter{w: dst, total: h.Size, progress: progress}
	if _, err := io.CopyN(cw, br, h.Size); err != nil {
		return h, fmt.Errorf("copy %s: %w", h.Name, err)
	}

	if err := readStatus(br); err != nil {
		return h, err
	}
	return h, ack(w)
}

func ack(w io.Writer) error {
	_, err := w.Write([]byte{0})
	return err
}

// readLine reads one control line. Status bytes 1 and 2 carry a remote
// error message.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if len(line) < 2 {
		return "", fmt.Errorf("%w: short line %q", ErrProtocol, line)
	}
	if line[0] == 1 || line[0] == 2 {
		return "", fmt.Errorf("%w: %s", ErrRemote, strings.TrimSpace(line[1:]))
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func readStatus(br *bufio.Reader) error {
	b, err := br.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch b {
	case 0:
		return nil
	case 1, 2:
		msg, _ := br.ReadString('\n')
		return fmt.Errorf("%w: %s", ErrRemote, strings.TrimSpace(msg))
	default:
		return fmt.Errorf("%w: unexpected status byte %#x", ErrProtocol, b)
	}
}

func parseHeader(line string) (Header, error) {
	fields := strings.SplitN(line[1:], " ", 3)
	if len(fields) != 3 {
		return Header{}, fmt.Errorf("%w: bad header %q", ErrProtocol, line)
	}

	mode, err := strconv.ParseUint(fields[0], 8, 32)
	if err != nil {
		return Header{}, fmt.Errorf("%w: bad mode %q", ErrProtocol, fields[0])
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || size < 0 {
		return Header{}, fmt.Errorf("%w: bad size %q", ErrProtocol, fields[1])
	}

	return Header{Mode: os.FileMode(mode), Size: size, Name: fields[2]}, nil
}

type countingWriter struct {
	w        io.Writer
	n        int64
	total    int64
	progress Progress
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if c.progress != nil && n > 0 {
		c.progress(c.n, c.total)
	}
	return n, err
}
