package dispatch

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flickpp/casket/internal/tracectx"
	"github.com/flickpp/casket/internal/wire"
	"github.com/flickpp/casket/internal/workerproc"
)

type fakeProcess struct {
	toWorker   io.ReadCloser
	fromWorker io.WriteCloser
}

func spawnFake(t *testing.T, capacity int) (*workerproc.Worker, *fakeProcess) {
	t.Helper()
	a, b := io.Pipe()
	c, d := io.Pipe()
	w := workerproc.NewTestWorker(capacity, b, c)
	return w, &fakeProcess{toWorker: a, fromWorker: d}
}

func (fp *fakeProcess) readFrame(t *testing.T) *workerproc.Frame {
	t.Helper()
	header := make([]byte, 4)
	_, err := io.ReadFull(fp.toWorker, header)
	require.NoError(t, err)
	n := binary.BigEndian.Uint32(header)
	body := make([]byte, n)
	_, err = io.ReadFull(fp.toWorker, body)
	require.NoError(t, err)
	var f workerproc.Frame
	require.NoError(t, json.Unmarshal(body, &f))
	return &f
}

func (fp *fakeProcess) writeFrame(t *testing.T, f *workerproc.Frame) {
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

func newReq() *wire.Request {
	return &wire.Request{Method: "GET", Target: "/", Header: wire.NewHeader()}
}

func TestDispatchCompletedRoundTrip(t *testing.T) {
	w, fp := spawnFake(t, 4)
	d := &Dispatcher{
		spawn:          func() (*workerproc.Worker, error) { return w, nil },
		gatewayTimeout: time.Second,
		clock:          clockwork.NewRealClock(),
		workers:        []*workerproc.Worker{w},
	}

	go func() {
		req := fp.readFrame(t)
		fp.writeFrame(t, &workerproc.Frame{Type: workerproc.FrameResponseStart, ID: req.ID, Status: 200, Reason: "Ok",
			Headers: []workerproc.HeaderPair{{Name: "X-Foo", Value: "bar"}}})
		fp.writeFrame(t, &workerproc.Frame{Type: workerproc.FrameResponseChunk, ID: req.ID, Chunk: []byte("hello")})
		fp.writeFrame(t, &workerproc.Frame{Type: workerproc.FrameResponseDone, ID: req.ID})
	}()

	res := d.Dispatch(newReq(), tracectx.Context{TraceID: "t", SpanID: "s"}, "localhost", 8080)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 200, res.Response.StatusCode)
	assert.Equal(t, []byte("hello"), res.Response.Body)
	v, ok := res.Response.Get("X-Foo")
	require.True(t, ok)
	assert.Equal(t, "bar", v)
}

func TestDispatchApplicationError(t *testing.T) {
	w, fp := spawnFake(t, 4)
	d := &Dispatcher{
		spawn:          func() (*workerproc.Worker, error) { return w, nil },
		gatewayTimeout: time.Second,
		clock:          clockwork.NewRealClock(),
		workers:        []*workerproc.Worker{w},
	}

	go func() {
		req := fp.readFrame(t)
		fp.writeFrame(t, &workerproc.Frame{Type: workerproc.FrameApplicationError, ID: req.ID,
			ExceptionType: "ZeroDivisionError", Traceback: "Traceback..."})
	}()

	res := d.Dispatch(newReq(), tracectx.Context{TraceID: "t", SpanID: "s"}, "localhost", 8080)
	require.Equal(t, OutcomeApplicationError, res.Outcome)
	assert.Equal(t, "ZeroDivisionError", res.ExceptionType)
}

func TestDispatchGatewayTimeout(t *testing.T) {
	w, fp := spawnFake(t, 4)
	clock := clockwork.NewFakeClock()
	d := &Dispatcher{
		spawn:          func() (*workerproc.Worker, error) { return w, nil },
		gatewayTimeout: time.Second,
		clock:          clock,
		workers:        []*workerproc.Worker{w},
	}

	done := make(chan Result, 1)
	go func() {
		done <- d.Dispatch(newReq(), tracectx.Context{TraceID: "t", SpanID: "s"}, "localhost", 8080)
	}()

	req := fp.readFrame(t)
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	res := <-done
	assert.Equal(t, OutcomeGatewayTimeout, res.Outcome)

	// The worker eventually finishes; its outstanding slot must still be
	// freed even though the gateway already gave up on it.
	fp.writeFrame(t, &workerproc.Frame{Type: workerproc.FrameResponseDone, ID: req.ID})
	deadline := time.Now().Add(2 * time.Second)
	for w.Outstanding() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int64(0), w.Outstanding())
}

func TestDispatchSaturatedWhenAllWorkersFull(t *testing.T) {
	w, fp := spawnFake(t, 1)
	// Consume the request bytes so Submit's pipe write can return.
	go func() { _, _ = io.Copy(io.Discard, fp.toWorker) }()
	// Manually saturate the worker by submitting without draining.
	_, err := w.Submit(&workerproc.Frame{Type: workerproc.FrameRequest, ID: 1})
	require.NoError(t, err)

	d := &Dispatcher{
		spawn:          func() (*workerproc.Worker, error) { return w, nil },
		gatewayTimeout: time.Second,
		clock:          clockwork.NewRealClock(),
		workers:        []*workerproc.Worker{w},
	}

	res := d.Dispatch(newReq(), tracectx.Context{TraceID: "t", SpanID: "s"}, "localhost", 8080)
	assert.Equal(t, OutcomeSaturated, res.Outcome)
}

func TestPickWorkerPrefersLeastLoadedThenLowestPid(t *testing.T) {
	w1, _ := spawnFake(t, 4)
	w1.Pid = 200
	w2, _ := spawnFake(t, 4)
	w2.Pid = 100

	d := &Dispatcher{workers: []*workerproc.Worker{w1, w2}}
	best, ok := d.pickWorker()
	require.True(t, ok)
	assert.Equal(t, 100, best.Pid)
}
