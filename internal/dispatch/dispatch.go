// Package dispatch implements the gateway's worker-selection and
// per-call timeout policy: the dispatcher half of the worker pool.
// internal/workerproc is the IPC transport half.
package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/flickpp/casket/internal/logging"
	"github.com/flickpp/casket/internal/tracectx"
	"github.com/flickpp/casket/internal/wire"
	"github.com/flickpp/casket/internal/workerproc"
)

// SpawnFunc starts (or restarts) one worker process.
type SpawnFunc func() (*workerproc.Worker, error)

// Outcome discriminates how a Dispatch call concluded, since a gateway
// timeout is not an error in the Go sense (the callable may still
// finish and log success later) but does need distinct handling from a
// normal completed response.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeSaturated
	OutcomeGatewayTimeout
	OutcomeApplicationError
	OutcomeIPCFailure
)

// Result is what Dispatch returns.
type Result struct {
	Outcome       Outcome
	Response      *wire.Response
	ExceptionType string
	Traceback     string
}

// Dispatcher owns the worker pool: selection, admission, per-call
// timeout, and dead-worker respawn.
type Dispatcher struct {
	spawn          SpawnFunc
	gatewayTimeout time.Duration
	clock          clockwork.Clock
	logger         *logging.Logger

	mu      sync.Mutex
	workers []*workerproc.Worker

	nextID uint64 // atomic

	stopSupervisor chan struct{}
	supervisorWG   sync.WaitGroup
}

// New spawns numWorkers worker processes and starts the respawn
// supervisor.
func New(numWorkers int, spawn SpawnFunc, gatewayTimeout time.Duration, clock clockwork.Clock, logger *logging.Logger) (*Dispatcher, error) {
	if logger != nil {
		// Route every worker's wsgi.errors messages to the gateway log.
		inner := spawn
		spawn = func() (*workerproc.Worker, error) {
			w, err := inner()
			if err == nil {
				w.SetLogSink(func(message string) { logger.ErrorErr("wsgi.errors", message) })
			}
			return w, err
		}
	}
	d := &Dispatcher{
		spawn:          spawn,
		gatewayTimeout: gatewayTimeout,
		clock:          clock,
		logger:         logger,
		stopSupervisor: make(chan struct{}),
	}
	for i := 0; i < numWorkers; i++ {
		w, err := spawn()
		if err != nil {
			return nil, err
		}
		d.workers = append(d.workers, w)
	}
	d.supervisorWG.Add(1)
	go d.superviseLoop()
	return d, nil
}

// superviseLoop replaces any worker whose pipes have failed. Polling
// rather than per-worker exit channels keeps the respawn policy in one
// place and trivially testable by shortening the poll interval; real
// deployments tolerate the bounded (100ms) detection latency easily
// against a 10s default gateway timeout.
func (d *Dispatcher) superviseLoop() {
	defer d.supervisorWG.Done()
	ticker := d.clock.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopSupervisor:
			return
		case <-ticker.Chan():
			d.respawnDeadWorkers()
		}
	}
}

func (d *Dispatcher) respawnDeadWorkers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, w := range d.workers {
		if w.IsDead() {
			nw, err := d.spawn()
			if err != nil {
				if d.logger != nil {
					d.logger.ErrorErr("worker respawn failed", err.Error())
				}
				continue
			}
			d.workers[i] = nw
			if d.logger != nil {
				d.logger.Info("worker respawned")
			}
		}
	}
}

// Stop stops the respawn supervisor. It does not touch the workers
// themselves; that is the shutdown coordinator's job.
func (d *Dispatcher) Stop() {
	close(d.stopSupervisor)
	d.supervisorWG.Wait()
}

// Workers returns a snapshot of the current worker slice, for the
// shutdown coordinator to drain.
func (d *Dispatcher) Workers() []*workerproc.Worker {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*workerproc.Worker, len(d.workers))
	copy(out, d.workers)
	return out
}

// pickWorker selects the least-loaded worker with available queue
// capacity, breaking ties by lowest pid. Returns ok=false if every
// worker is saturated or dead.
func (d *Dispatcher) pickWorker() (*workerproc.Worker, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var best *workerproc.Worker
	for _, w := range d.workers {
		if w.IsDead() {
			continue
		}
		if w.Outstanding() >= int64(w.Capacity) {
			continue
		}
		if best == nil {
			best = w
			continue
		}
		if w.Outstanding() < best.Outstanding() {
			best = w
			continue
		}
		if w.Outstanding() == best.Outstanding() && w.Pid < best.Pid {
			best = w
		}
	}
	return best, best != nil
}

func (d *Dispatcher) newID() uint64 {
	return atomic.AddUint64(&d.nextID, 1)
}

// Dispatch sends req to the least-loaded worker with capacity and waits
// up to the configured gateway timeout for a complete response.
func (d *Dispatcher) Dispatch(req *wire.Request, trace tracectx.Context, serverName string, serverPort int) Result {
	w, ok := d.pickWorker()
	if !ok {
		return Result{Outcome: OutcomeSaturated}
	}

	id := d.newID()
	frame := requestToFrame(id, req, trace, serverName, serverPort)

	ch, err := w.Submit(frame)
	if err != nil {
		return Result{Outcome: OutcomeIPCFailure}
	}

	timer := d.clock.NewTimer(d.gatewayTimeout)
	defer timer.Stop()

	resp := wire.NewResponse(0, "")
	var bodyChunks [][]byte
	started := false

	for {
		select {
		case frame, open := <-ch:
			if !open {
				if !started {
					return Result{Outcome: OutcomeIPCFailure}
				}
				// Channel closed without a terminal frame: treat as IPC
				// failure for this in-flight request.
				return Result{Outcome: OutcomeIPCFailure}
			}
			switch frame.Type {
			case workerproc.FrameResponseStart:
				started = true
				resp.StatusCode = frame.Status
				resp.Reason = frame.Reason
				for _, h := range frame.Headers {
					resp.AddHeader(h.Name, h.Value)
				}
			case workerproc.FrameResponseChunk:
				bodyChunks = append(bodyChunks, frame.Chunk)
			case workerproc.FrameResponseDone:
				resp.Body = joinChunks(bodyChunks)
				return Result{Outcome: OutcomeCompleted, Response: resp}
			case workerproc.FrameApplicationError:
				return Result{
					Outcome:       OutcomeApplicationError,
					ExceptionType: frame.ExceptionType,
					Traceback:     frame.Traceback,
				}
			}
		case <-timer.Chan():
			// Gateway timeout: stop waiting but keep draining the
			// channel in the background so the worker's eventual
			// response_done still frees its outstanding slot. The
			// underlying call keeps running on the worker.
			go drainDiscard(ch)
			return Result{Outcome: OutcomeGatewayTimeout}
		}
	}
}

func drainDiscard(ch <-chan *workerproc.Frame) {
	for range ch {
	}
}

func joinChunks(chunks [][]byte) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

func requestToFrame(id uint64, req *wire.Request, trace tracectx.Context, serverName string, serverPort int) *workerproc.Frame {
	f := &workerproc.Frame{
		Type:          workerproc.FrameRequest,
		ID:            id,
		Method:        req.Method,
		Path:          req.Target,
		Query:         req.Query,
		HasQuery:      req.HasQuery,
		ContentLength: req.ContentLength,
		Body:          req.Body,
		ServerName:    serverName,
		ServerPort:    serverPort,
		TraceID:       trace.TraceID,
		SpanID:        trace.SpanID,
		ParentID:      trace.ParentID,
	}
	req.Header.Each(func(name, value string) {
		f.Headers = append(f.Headers, workerproc.HeaderPair{Name: name, Value: value})
	})
	return f
}
