// Package config loads Casket's environment-variable configuration and
// validates it before the gateway starts accepting connections.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// Config is immutable once Load returns. Every field corresponds to one
// CASKET_* environment variable.
type Config struct {
	BindAddr                 string
	NumWorkers               int
	MaxConnections           int
	MaxRequests              int
	RequestReadTimeout       time.Duration
	PythonCodeGatewayTimeout time.Duration
	CtrlCWaitTime            time.Duration
	ReturnStacktraceInBody   bool
	LogHTTPResponse          bool
}

// ErrStartup is returned when an environment variable fails to parse.
// The CLI logs Var and Err on a single line and exits 2.
type ErrStartup struct {
	Var string
	Err error
}

func (e *ErrStartup) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Var, e.Err)
}

func (e *ErrStartup) Unwrap() error { return e.Err }

type intVar struct {
	name    string
	def     int
	target  *int
}

type durVar struct {
	name   string
	defSec int
	target *time.Duration
}

type boolVar struct {
	name   string
	def    bool
	target *bool
}

// Load reads the CASKET_* environment variables and returns a validated
// Config. On the first malformed variable it returns an *ErrStartup
// naming that variable; callers at the CLI boundary should log a single
// line naming it and exit 2.
func Load() (*Config, error) {
	c := &Config{
		BindAddr: "0.0.0.0:8080",
	}

	numWorkers := 3
	maxConnections := 128
	maxRequests := 12
	requestReadTimeout := time.Duration(0)
	pythonCodeGatewayTimeout := time.Duration(0)
	ctrlCWaitTime := time.Duration(0)
	returnStacktrace := true
	logHTTPResponse := true

	if v, ok := os.LookupEnv("CASKET_BIND_ADDR"); ok && strings.TrimSpace(v) != "" {
		c.BindAddr = v
	}

	ints := []intVar{
		{"CASKET_NUM_WORKERS", 3, &numWorkers},
		{"CASKET_MAX_CONNECTIONS", 128, &maxConnections},
		{"CASKET_MAX_REQUESTS", 12, &maxRequests},
	}
	for _, iv := range ints {
		n, err := parseNonNegativeInt(iv.name, iv.def)
		if err != nil {
			return nil, err
		}
		*iv.target = n
	}

	durs := []durVar{
		{"CASKET_REQUEST_READ_TIMEOUT", 30, &requestReadTimeout},
		{"CASKET_PYTHON_CODE_GATEWAY_TIMEOUT", 10, &pythonCodeGatewayTimeout},
		{"CASKET_CTRLC_WAIT_TIME", 10, &ctrlCWaitTime},
	}
	for _, dv := range durs {
		n, err := parseNonNegativeInt(dv.name, dv.defSec)
		if err != nil {
			return nil, err
		}
		*dv.target = time.Duration(n) * time.Second
	}

	bools := []boolVar{
		{"CASKET_RETURN_STACKTRACE_IN_BODY", true, &returnStacktrace},
		{"CASKET_LOG_HTTP_RESPONSE", true, &logHTTPResponse},
	}
	for _, bv := range bools {
		b, err := parseBool01(bv.name, bv.def)
		if err != nil {
			return nil, err
		}
		*bv.target = b
	}

	c.NumWorkers = numWorkers
	c.MaxConnections = maxConnections
	c.MaxRequests = maxRequests
	c.RequestReadTimeout = requestReadTimeout
	c.PythonCodeGatewayTimeout = pythonCodeGatewayTimeout
	c.CtrlCWaitTime = ctrlCWaitTime
	c.ReturnStacktraceInBody = returnStacktrace
	c.LogHTTPResponse = logHTTPResponse

	return c, nil
}

// ValidateAll re-parses every variable and, unlike Load, collects every
// failure instead of stopping at the first one. It exists for tests and
// operational dry-runs ("will this environment start?") where seeing the
// full list of bad variables in one shot is more useful than fixing them
// one at a time.
func ValidateAll() error {
	var result *multierror.Error

	names := []string{
		"CASKET_NUM_WORKERS",
		"CASKET_MAX_CONNECTIONS",
		"CASKET_MAX_REQUESTS",
		"CASKET_REQUEST_READ_TIMEOUT",
		"CASKET_PYTHON_CODE_GATEWAY_TIMEOUT",
		"CASKET_CTRLC_WAIT_TIME",
	}
	for _, name := range names {
		if _, err := parseNonNegativeInt(name, 0); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, name := range []string{"CASKET_RETURN_STACKTRACE_IN_BODY", "CASKET_LOG_HTTP_RESPONSE"} {
		if _, err := parseBool01(name, true); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func parseNonNegativeInt(name string, def int) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, &ErrStartup{Var: name, Err: fmt.Errorf("must be a non-negative integer, got %q", v)}
	}
	return n, nil
}

func parseBool01(name string, def bool) (bool, error) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	switch strings.TrimSpace(v) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, &ErrStartup{Var: name, Err: fmt.Errorf("must be 0 or 1, got %q", v)}
	}
}
