// Command casket is the gateway's entrypoint: casket <module>:<callable>.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flickpp/casket/internal/config"
	"github.com/flickpp/casket/internal/gateway"
	"github.com/flickpp/casket/internal/logging"
	"github.com/flickpp/casket/internal/workerproc"
)

func main() {
	logger := logging.New(os.Stdout)
	exitCode := 0

	root := &cobra.Command{
		Use:           "casket <module>:<callable>",
		Short:         "Casket fronts a WSGI application with a hardened HTTP/1.1 gateway",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := start(args[0], logger)
			exitCode = code
			return err
		},
	}

	if err := root.Execute(); err != nil {
		logger.ErrorErr("fatal startup error", err.Error())
		os.Exit(2)
	}
	os.Exit(exitCode)
}

// start resolves <module>:<callable>, loads configuration, and runs the
// gateway to completion, returning the process exit code. Resolving the
// bootstrap argument beyond the bare module:callable split is the
// worker process's own concern.
func start(moduleCallable string, logger *logging.Logger) (int, error) {
	if !strings.Contains(moduleCallable, ":") {
		return 2, fmt.Errorf("argument must be of the form module:callable, got %q", moduleCallable)
	}

	cfg, err := config.Load()
	if err != nil {
		return 2, err
	}

	spawn := func() (*workerproc.Worker, error) {
		return workerproc.Spawn(cfg.MaxRequests, workerBootstrapPath(), moduleCallable)
	}

	rt, err := gateway.New(cfg, spawn, logger)
	if err != nil {
		return 2, err
	}

	return rt.Run(), nil
}

// workerBootstrapPath resolves the worker process to exec. It defaults
// to a binary named casket-worker on PATH; operators embedding a
// different interpreter (or targeting a different Python build) point
// CASKET_WORKER_BOOTSTRAP at it instead.
func workerBootstrapPath() string {
	if p := os.Getenv("CASKET_WORKER_BOOTSTRAP"); p != "" {
		return p
	}
	return "casket-worker"
}
