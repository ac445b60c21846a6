// Package gateway wires the wire codec, connection manager, trace
// context module, dispatcher and shutdown coordinator into one Runtime:
// the accept loop, the per-connection state machine, and the glue
// between them. Every subsystem is an explicit field on Runtime,
// constructed once in main, rather than a package-level variable.
package gateway

import (
	"bufio"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/flickpp/casket/internal/config"
	"github.com/flickpp/casket/internal/connmgr"
	"github.com/flickpp/casket/internal/dispatch"
	"github.com/flickpp/casket/internal/logging"
	"github.com/flickpp/casket/internal/shutdown"
	"github.com/flickpp/casket/internal/tracectx"
	"github.com/flickpp/casket/internal/wire"
)

// Runtime owns every long-lived subsystem of a running gateway process.
type Runtime struct {
	cfg        *config.Config
	conns      *connmgr.Manager
	dispatcher *dispatch.Dispatcher
	shutdown   *shutdown.Coordinator
	logger     *logging.Logger
	clock      clockwork.Clock

	serverName string
	serverPort int
}

// New builds a Runtime: binds the listener, spawns the worker pool, and
// installs the SIGINT handler. spawn starts one worker process; it is
// supplied by the caller (cmd/casket) since resolving the
// module:callable bootstrap command is outside this package's concerns.
func New(cfg *config.Config, spawn dispatch.SpawnFunc, logger *logging.Logger) (*Runtime, error) {
	clock := clockwork.NewRealClock()

	listener, err := connmgr.Listen(cfg.BindAddr)
	if err != nil {
		return nil, err
	}
	conns := connmgr.New(listener, cfg.MaxConnections)

	d, err := dispatch.New(cfg.NumWorkers, spawn, cfg.PythonCodeGatewayTimeout, clock, logger)
	if err != nil {
		_ = conns.Close()
		return nil, err
	}

	coord := shutdown.New(conns, d, cfg.CtrlCWaitTime, clock, logger)

	serverName, serverPort := serverNameAndPort(cfg.BindAddr)

	return &Runtime{
		cfg:        cfg,
		conns:      conns,
		dispatcher: d,
		shutdown:   coord,
		logger:     logger,
		clock:      clock,
		serverName: serverName,
		serverPort: serverPort,
	}, nil
}

func serverNameAndPort(bindAddr string) (string, int) {
	host, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		host, _ = os.Hostname()
		return host, 0
	}
	port, _ := strconv.Atoi(portStr)
	if host == "" || host == "0.0.0.0" || host == "::" {
		if h, err := os.Hostname(); err == nil {
			host = h
		}
	}
	return host, port
}

// Run starts the accept loop and blocks until shutdown completes,
// returning the process exit code.
func (r *Runtime) Run() int {
	exitCode := make(chan shutdown.ExitCode, 1)
	go func() { exitCode <- r.shutdown.Run() }()

	r.acceptLoop()
	r.dispatcher.Stop()

	return int(<-exitCode)
}

func (r *Runtime) acceptLoop() {
	for {
		conn, err := r.conns.Accept()
		if err != nil {
			if errors.Is(err, connmgr.ErrStreamsSaturated) {
				r.logger.WarnErr("maximum number of tcp streams exceeded", err.Error())
				continue
			}
			// Listener closed: either a real accept error or the shutdown
			// coordinator closing it to stop accepting.
			return
		}
		go r.handleConnection(conn)
	}
}

// handleConnection runs the per-connection read-parse-dispatch-respond
// loop until the peer closes, a parse error ends the connection, or a
// response asks to close. One goroutine per connection stands in for a
// single-threaded reactor's per-socket callback chain.
func (r *Runtime) handleConnection(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		r.conns.Release()
	}()

	br := bufio.NewReader(conn)
	peerAddr := conn.RemoteAddr().String()

	for {
		r.conns.MarkIdle(conn)

		// No read deadline while idle: the timeout clock starts on first
		// byte received, not on accept or the previous response.
		if _, err := br.Peek(1); err != nil {
			return
		}
		r.conns.MarkBusy(conn)

		if r.shutdown.IsDraining() {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(r.cfg.RequestReadTimeout))

		req, err := wire.Parse(br, peerAddr)
		if err != nil {
			r.handleParseError(conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		traceparent, present := req.Header.Get("traceparent")
		trace := tracectx.FromHeader(traceparent, present)
		reqLogger := r.logger.WithTrace(trace.TraceID, trace.SpanID)

		clientWantsClose := connectionCloseRequested(req)

		if !r.dispatchAndRespond(conn, req, trace, reqLogger, clientWantsClose) {
			return
		}
	}
}

func connectionCloseRequested(req *wire.Request) bool {
	v, ok := req.Header.Get("Connection")
	return ok && strings.EqualFold(strings.TrimSpace(v), "close")
}

// handleParseError emits the response and log line for every way
// wire.Parse can fail. A fresh trace context is minted for the error
// response and its log line since no traceparent header was ever
// successfully parsed.
func (r *Runtime) handleParseError(conn net.Conn, err error) {
	if errors.Is(err, wire.ErrConnectionClosed) {
		// Zero bytes ever arrived on this iteration: not an attempted
		// request, so no log line.
		return
	}

	trace := tracectx.FromHeader("", false)
	reqLogger := r.logger.WithTrace(trace.TraceID, trace.SpanID)

	if errors.Is(err, wire.ErrHeaderEOF) {
		if r.cfg.LogHTTPResponse {
			reqLogger.InfoErr("request", err.Error())
		}
		return
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		r.writeFixed(conn, 408, "Request Timeout", trace.TraceID, false)
		if r.cfg.LogHTTPResponse {
			reqLogger.InfoErr("request", "request read timeout")
		}
		return
	}

	var parseErr *wire.ParseError
	if errors.As(err, &parseErr) {
		r.writeFixed(conn, 400, "Bad Request", trace.TraceID, false)
		if r.cfg.LogHTTPResponse {
			reqLogger.InfoErr("request", parseErr.Error())
		}
		return
	}

	// Anything else (connection reset, unexpected I/O error): close
	// without a response; the client's own socket likely already went
	// away.
	if r.cfg.LogHTTPResponse {
		reqLogger.InfoErr("request", err.Error())
	}
}

// writeFixed writes a header-only error response with Casket's injected
// headers, including X-TraceId on every error response.
func (r *Runtime) writeFixed(conn net.Conn, status int, reason, traceID string, keepAlive bool) {
	resp := wire.NewResponse(status, reason)
	injected := wire.InjectedHeaders{TraceID: traceID, KeepAlive: keepAlive}
	_ = wire.Write(conn, resp, injected)
}

// dispatchAndRespond runs the request through the dispatcher, writes the
// resulting response, and reports whether the connection should stay
// open for another request.
func (r *Runtime) dispatchAndRespond(conn net.Conn, req *wire.Request, trace tracectx.Context, reqLogger *logging.Logger, clientWantsClose bool) bool {
	result := r.dispatcher.Dispatch(req, trace, r.serverName, r.serverPort)

	switch result.Outcome {
	case dispatch.OutcomeCompleted:
		keepAlive := !clientWantsClose && !connmgrWantsClose(result)
		resp := result.Response
		injected := wire.InjectedHeaders{TraceID: trace.TraceID, KeepAlive: keepAlive}
		_ = wire.Write(conn, resp, injected)
		if r.cfg.LogHTTPResponse {
			reqLogger.Info("request")
		}
		return keepAlive

	case dispatch.OutcomeSaturated:
		keepAlive := !clientWantsClose
		r.writeFixed(conn, 503, "Service Busy", trace.TraceID, keepAlive)
		if r.cfg.LogHTTPResponse {
			reqLogger.InfoErr("request", "worker pool saturated")
		}
		return keepAlive

	case dispatch.OutcomeGatewayTimeout:
		r.writeFixed(conn, 504, "Gateway Timeout", trace.TraceID, false)
		if r.cfg.LogHTTPResponse {
			reqLogger.InfoErr("request", "gateway timeout")
		}
		return false

	case dispatch.OutcomeApplicationError:
		r.writeApplicationError(conn, trace, result)
		if r.cfg.LogHTTPResponse {
			reqLogger.ErrorErr("request", result.ExceptionType)
		}
		return false

	default: // dispatch.OutcomeIPCFailure
		r.writeFixed(conn, 500, "Internal Server Error", trace.TraceID, false)
		if r.cfg.LogHTTPResponse {
			reqLogger.ErrorErr("request", "ipc failure")
		}
		return false
	}
}

// connmgrWantsClose inspects a completed response's own Connection
// header, honoring an application that explicitly asked for close even
// when the client didn't.
func connmgrWantsClose(result dispatch.Result) bool {
	v, ok := result.Response.Get("Connection")
	return ok && strings.EqualFold(strings.TrimSpace(v), "close")
}

func (r *Runtime) writeApplicationError(conn net.Conn, trace tracectx.Context, result dispatch.Result) {
	resp := wire.NewResponse(500, "Internal Server Error")
	if r.cfg.ReturnStacktraceInBody {
		resp.AddHeader("Content-Type", "text/plain; charset=UTF-8")
		resp.Body = []byte(result.Traceback)
	}
	injected := wire.InjectedHeaders{TraceID: trace.TraceID, KeepAlive: false, XError: result.ExceptionType}
	_ = wire.Write(conn, resp, injected)
}
