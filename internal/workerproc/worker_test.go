package workerproc

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// Every test here drives a Worker over in-memory pipes and relies on
// readLoop exiting once the fake process side closes; TestMain catches
// the case where a future test forgets to close its pipes and leaves
// that goroutine parked in a blocking read.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeProcess wires two pipe pairs together so a test can play the role
// of the external worker process: it reads frames the Worker wrote on
// "its" stdin and writes frames back on "its" stdout.
type fakeProcess struct {
	toWorker   io.ReadCloser  // what the fake process reads (gateway's writes)
	fromWorker io.WriteCloser // what the fake process writes (gateway reads)
}

func newTestWorker(t *testing.T, capacity int) (*Worker, *fakeProcess) {
	t.Helper()
	workerReadFromGw, gwWriteToWorker := io.Pipe()
	gwReadFromWorker, workerWriteToGw := io.Pipe()

	w := NewTestWorker(capacity, gwWriteToWorker, gwReadFromWorker)
	fp := &fakeProcess{toWorker: workerReadFromGw, fromWorker: workerWriteToGw}
	t.Cleanup(func() {
		_ = fp.fromWorker.Close()
		_ = fp.toWorker.Close()
	})
	return w, fp
}

func (fp *fakeProcess) readFrame(t *testing.T) *Frame {
	t.Helper()
	header := make([]byte, 4)
	_, err := io.ReadFull(fp.toWorker, header)
	require.NoError(t, err)
	n := binary.BigEndian.Uint32(header)
	body := make([]byte, n)
	_, err = io.ReadFull(fp.toWorker, body)
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(body, &f))
	return &f
}

func (fp *fakeProcess) writeFrame(t *testing.T, f *Frame) {
	t.Helper()
	body, err := json.Marshal(f)
	require.NoError(t, err)
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	_, err = fp.fromWorker.Write(header)
	require.NoError(t, err)
	_, err = fp.fromWorker.Write(body)
	require.NoError(t, err)
}

func TestSubmitAndResponseDoneDemux(t *testing.T) {
	w, fp := newTestWorker(t, 4)

	go func() {
		req := fp.readFrame(t)
		fp.writeFrame(t, &Frame{Type: FrameResponseStart, ID: req.ID, Status: 200, Reason: "OK"})
		fp.writeFrame(t, &Frame{Type: FrameResponseChunk, ID: req.ID, Chunk: []byte("hi")})
		fp.writeFrame(t, &Frame{Type: FrameResponseDone, ID: req.ID})
	}()

	ch, err := w.Submit(&Frame{Type: FrameRequest, ID: 1, Method: "GET", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Outstanding())

	var frames []*Frame
	for f := range ch {
		frames = append(frames, f)
	}
	require.Len(t, frames, 3)
	assert.Equal(t, FrameResponseStart, frames[0].Type)
	assert.Equal(t, FrameResponseChunk, frames[1].Type)
	assert.Equal(t, FrameResponseDone, frames[2].Type)

	deadline := time.Now().Add(time.Second)
	for w.Outstanding() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int64(0), w.Outstanding())
}

func TestLogFrameRoutedToSink(t *testing.T) {
	w, fp := newTestWorker(t, 4)
	got := make(chan string, 1)
	w.SetLogSink(func(msg string) { got <- msg })

	fp.writeFrame(t, &Frame{Type: FrameLog, Message: "boom"})

	select {
	case msg := <-got:
		assert.Equal(t, "boom", msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for log frame")
	}
}

func TestBrokenPipeMarksWorkerDead(t *testing.T) {
	w, fp := newTestWorker(t, 4)
	_ = fp.fromWorker.Close()

	deadline := time.Now().Add(time.Second)
	for !w.IsDead() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.True(t, w.IsDead())

	_, err := w.Submit(&Frame{Type: FrameRequest, ID: 2})
	assert.ErrorIs(t, err, ErrWorkerDead)
}
