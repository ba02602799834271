package transfer

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpload_ChunksAndCompletion(t *testing.T) {
	s := &fakeSender{}
	opts := testOptions(t)
	m := NewManager(s, opts, nil)
	rec := &recorder{}

	pth := writeFile(t, opts.Root, "agv.bin", 20000)
	require.NoError(t, m.Upload.Start(pth, "firmware", rec.handle))
	id := m.Upload.ID()

	assert.Eventually(t, func() bool { return !m.Upload.Active() }, 2*time.Second, time.Millisecond,
		"every chunk is sent")

	frames := s.sent()
	require.Len(t, frames, 4, "header and three data chunks, no empty trailer")
	assert.Equal(t, "UPLOAD_FILE", frames[0].name)
	assert.Equal(t, "StartUploadFile|agv.bin|firmware|20000", string(frames[0].payload))

	var body []byte
	for _, f := range frames[1:] {
		assert.Equal(t, id, f.id)
		body = append(body, f.payload...)
	}
	orig, err := os.ReadFile(pth)
	require.NoError(t, err)
	assert.Equal(t, orig, body)
	assert.Len(t, frames[1].payload, 8192)

	deliver(t, m, id, `{"code":0,"data":{"receivedFileSize":8192}}`)
	deliver(t, m, id, `{"code":0,"data":{"receivedFileSize":20000}}`)

	got := rec.all()
	require.Len(t, got, 3, "both acks forwarded, then completion")
	assert.JSONEq(t, `{"code":0,"message":"file upload completed"}`, got[2])

	_, ok := m.Route(id)
	assert.False(t, ok)
}

func TestUpload_NonZeroAckHaltsChain(t *testing.T) {
	s := &fakeSender{}
	opts := testOptions(t)
	opts.UploadNextDelay = 50 * time.Millisecond
	m := NewManager(s, opts, nil)
	rec := &recorder{}

	require.NoError(t, m.Upload.Start(writeFile(t, opts.Root, "a.bin", 50000), "", rec.handle))
	id := m.Upload.ID()
	require.Eventually(t, func() bool { return len(s.sent()) == 1 }, time.Second, time.Millisecond)

	deliver(t, m, id, `{"code":1,"message":"disk full"}`)
	time.Sleep(150 * time.Millisecond)

	assert.Len(t, s.sent(), 1, "no chunk after a rejected ack")
	assert.False(t, m.Upload.Active())
	assert.Equal(t, []string{`{"code":1,"message":"disk full"}`}, rec.all())
}

func TestUpload_WriteErrorReportsCode2(t *testing.T) {
	s := &fakeSender{writeErr: errors.New("broken pipe")}
	opts := testOptions(t)
	m := NewManager(s, opts, nil)
	rec := &recorder{}

	require.NoError(t, m.Upload.Start(writeFile(t, opts.Root, "a.bin", 100), "", rec.handle))
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, time.Millisecond)

	assert.JSONEq(t, `{"code":2,"message":"async_write failed: broken pipe"}`, rec.all()[0])
	assert.False(t, m.Upload.Active())
	assert.Len(t, s.sent(), 1)
}

func TestUpload_DefersWhileWriteInFlight(t *testing.T) {
	s := &fakeSender{}
	s.inFlight.Store(true)
	opts := testOptions(t)
	m := NewManager(s, opts, nil)

	require.NoError(t, m.Upload.Start(writeFile(t, opts.Root, "a.bin", 100), "", func([]byte) {}))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, s.sent(), "nothing sent while another write is in flight")

	s.inFlight.Store(false)
	assert.Eventually(t, func() bool { return !m.Upload.Active() }, time.Second, time.Millisecond)
	assert.Len(t, s.sent(), 2)
}

func TestUpload_Validation(t *testing.T) {
	s := &fakeSender{}
	opts := testOptions(t)
	opts.UploadFirstDelay = time.Hour
	m := NewManager(s, opts, nil)

	assert.ErrorIs(t, m.Upload.Start(writeFile(t, opts.Root, "empty.bin", 0), "", func([]byte) {}), ErrEmptyFile)
	assert.ErrorIs(t, m.Upload.Start("x", "", nil), ErrNilHandler)
	assert.Error(t, m.Upload.Start(opts.Root+"/missing", "", func([]byte) {}))

	pth := writeFile(t, opts.Root, "a.bin", 10)
	require.NoError(t, m.Upload.Start(pth, "", func([]byte) {}))
	assert.ErrorIs(t, m.Upload.Start(pth, "", func([]byte) {}), ErrInProgress)
	assert.Empty(t, s.sent())
}

func TestUpload_SenderNotReady(t *testing.T) {
	notOpen := errors.New("connection not established")
	s := &fakeSender{readyErr: notOpen}
	opts := testOptions(t)
	m := NewManager(s, opts, nil)
	rec := &recorder{}

	err := m.Upload.Start(writeFile(t, opts.Root, "a.bin", 10), "", rec.handle)
	assert.ErrorIs(t, err, notOpen)
	assert.False(t, m.Upload.Active(), "no session state kept")

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.sent())
	assert.Empty(t, rec.all(), "failure is returned, not delivered")
}
