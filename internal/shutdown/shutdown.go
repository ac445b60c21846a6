// Package shutdown implements Casket's shutdown coordinator (component
// E): stop accepting, broadcast drain to workers, wait a bounded grace
// period, escalate to SIGKILL, and handle double-SIGINT as an immediate
// exit. Grounded on the teacher's graceful_restarts/SocketHandoff
// shutdownAndExit/waitForDrainAndExit pair and tbflip's
// signal-goroutine-plus-timeout shape, built directly on os/signal
// rather than cloudflare/tableflip: tableflip models SIGHUP live-process
// handoff, a different problem from the double-SIGINT drain-then-exit
// protocol this component implements (see DESIGN.md).
package shutdown

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/flickpp/casket/internal/logging"
	"github.com/flickpp/casket/internal/workerproc"
)

// ExitCode is the process exit code the coordinator decided on: 0 for a
// normal or completed-drain shutdown, 130 for a double-SIGINT.
type ExitCode int

const (
	ExitNormal       ExitCode = 0
	ExitDoubleSignal ExitCode = 130
)

// Listener is the subset of connmgr.Manager the coordinator needs: stop
// accepting, and close any connection currently idle (between requests)
// so its handler goroutine unblocks immediately instead of waiting on a
// client that may never speak again.
type Listener interface {
	Close() error
	CloseIdleStreams()
}

// WorkerSource supplies the current worker set to drain.
type WorkerSource interface {
	Workers() []*workerproc.Worker
}

// Coordinator owns Casket's shutdown protocol. Construct one per Runtime
// and call Run from a dedicated goroutine at startup.
type Coordinator struct {
	listener Listener
	workers  WorkerSource
	clock    clockwork.Clock
	waitTime time.Duration
	logger   *logging.Logger

	sigCh chan os.Signal

	draining int32 // atomic bool
}

// New installs the SIGINT handler. Signals are not delivered until Run
// is called and begins receiving from the internal channel.
func New(listener Listener, workers WorkerSource, waitTime time.Duration, clock clockwork.Clock, logger *logging.Logger) *Coordinator {
	c := &Coordinator{
		listener: listener,
		workers:  workers,
		clock:    clock,
		waitTime: waitTime,
		logger:   logger,
		sigCh:    make(chan os.Signal, 2),
	}
	signal.Notify(c.sigCh, syscall.SIGINT)
	return c
}

// IsDraining reports whether shutdown has begun. The gateway's
// per-connection loop checks this once the first byte of a new request
// arrives and closes the connection instead of serving it; connections
// idle at the moment shutdown begins are closed by CloseIdleStreams.
func (c *Coordinator) IsDraining() bool {
	return atomic.LoadInt32(&c.draining) != 0
}

// Run blocks until the first SIGINT, then executes the drain protocol,
// returning the process exit code. It returns as soon as either all
// workers have drained, the grace period expires (workers are then
// SIGKILLed), or a second SIGINT arrives (immediate 130).
func (c *Coordinator) Run() ExitCode {
	<-c.sigCh
	c.logger.Info("received SIGINT: stopping accept and draining workers")
	atomic.StoreInt32(&c.draining, 1)
	_ = c.listener.Close()
	c.listener.CloseIdleStreams()

	for _, w := range c.workers.Workers() {
		_ = w.Drain()
	}

	drained := make(chan struct{})
	go func() {
		c.waitAllDrained()
		close(drained)
	}()

	timer := c.clock.NewTimer(c.waitTime)
	defer timer.Stop()

	select {
	case <-c.sigCh:
		c.logger.Warn("received second SIGINT: exiting immediately")
		return ExitDoubleSignal
	case <-drained:
		c.logger.Info("all workers drained: exiting")
		return ExitNormal
	case <-timer.Chan():
		c.logger.Warn("shutdown grace period expired: killing surviving workers")
		for _, w := range c.workers.Workers() {
			_ = w.Kill()
		}
		return ExitNormal
	}
}

// injectSignal feeds a signal directly into the coordinator's channel,
// bypassing os/signal delivery. Used by this package's own tests so they
// don't have to raise a real process-wide SIGINT (which every
// Coordinator in the test binary would also observe).
func (c *Coordinator) injectSignal(sig os.Signal) {
	c.sigCh <- sig
}

// waitAllDrained blocks until every worker's outstanding count has
// reached zero, then waits for each worker process to actually exit.
// The per-process waits run concurrently via errgroup rather than
// sequentially, since an external interpreter process teardown
// (finalizers, atexit hooks) can take a moment and there is no reason to
// serialize N of them.
func (c *Coordinator) waitAllDrained() {
	for {
		allZero := true
		for _, w := range c.workers.Workers() {
			if w.Outstanding() != 0 && !w.IsDead() {
				allZero = false
				break
			}
		}
		if allZero {
			break
		}
		c.clock.Sleep(20 * time.Millisecond)
	}

	var g errgroup.Group
	for _, w := range c.workers.Workers() {
		w := w
		g.Go(func() error { return w.Wait() })
	}
	_ = g.Wait()
}
