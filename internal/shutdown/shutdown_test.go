package shutdown

import (
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flickpp/casket/internal/logging"
	"github.com/flickpp/casket/internal/workerproc"
)

type fakeListener struct {
	closed chan struct{}
}

func newFakeListener() *fakeListener { return &fakeListener{closed: make(chan struct{})} }

func (f *fakeListener) Close() error {
	close(f.closed)
	return nil
}

func (f *fakeListener) CloseIdleStreams() {}

type fakeWorkers struct {
	workers []*workerproc.Worker
}

func (f *fakeWorkers) Workers() []*workerproc.Worker { return f.workers }

func spawnWorker(t *testing.T) (*workerproc.Worker, io.WriteCloser, io.ReadCloser) {
	t.Helper()
	toWorker, fromGateway := io.Pipe()
	toGateway, fromWorker := io.Pipe()
	w := workerproc.NewTestWorker(4, fromGateway, toGateway)
	// Play the worker's reading end so Submit and Drain writes complete.
	go func() { _, _ = io.Copy(io.Discard, toWorker) }()
	return w, fromWorker, toWorker
}

func TestRunExitsNormallyOnceAllWorkersDrained(t *testing.T) {
	w, _, _ := spawnWorker(t)
	ln := newFakeListener()
	clock := clockwork.NewFakeClock()
	c := New(ln, &fakeWorkers{workers: []*workerproc.Worker{w}}, 5*time.Second, clock, logging.New(io.Discard))

	done := make(chan ExitCode, 1)
	go func() { done <- c.Run() }()

	c.injectSignal(syscall.SIGINT)

	select {
	case code := <-done:
		assert.Equal(t, ExitNormal, code)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	select {
	case <-ln.closed:
	default:
		t.Fatal("listener was not closed on shutdown")
	}
	assert.True(t, c.IsDraining())
}

func TestRunEscalatesToKillAfterGraceTimeout(t *testing.T) {
	w, _, _ := spawnWorker(t)
	_, err := w.Submit(&workerproc.Frame{Type: workerproc.FrameRequest, ID: 1})
	require.NoError(t, err)

	ln := newFakeListener()
	clock := clockwork.NewFakeClock()
	c := New(ln, &fakeWorkers{workers: []*workerproc.Worker{w}}, time.Second, clock, logging.New(io.Discard))

	done := make(chan ExitCode, 1)
	go func() { done <- c.Run() }()

	c.injectSignal(syscall.SIGINT)
	// Two fake-clock waiters must be registered before advancing: the
	// grace timer itself and waitAllDrained's polling sleep.
	clock.BlockUntil(2)
	clock.Advance(2 * time.Second)

	select {
	case code := <-done:
		assert.Equal(t, ExitNormal, code)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after grace timeout")
	}
}

func TestRunDoubleSignalExitsImmediately(t *testing.T) {
	w, _, _ := spawnWorker(t)
	_, err := w.Submit(&workerproc.Frame{Type: workerproc.FrameRequest, ID: 1})
	require.NoError(t, err)

	ln := newFakeListener()
	clock := clockwork.NewFakeClock()
	c := New(ln, &fakeWorkers{workers: []*workerproc.Worker{w}}, time.Hour, clock, logging.New(io.Discard))

	done := make(chan ExitCode, 1)
	go func() { done <- c.Run() }()

	c.injectSignal(syscall.SIGINT)
	c.injectSignal(syscall.SIGINT)

	select {
	case code := <-done:
		assert.Equal(t, ExitDoubleSignal, code)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on second SIGINT")
	}
}
