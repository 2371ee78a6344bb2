package main

import (
	"errors"
	"fmt"

	"github.com/jarvis-ops/jarvis/internal/errs"
)

// exitCodeFor maps a command error to the documented process exit code:
// 2 invalid arguments, 3 backend unavailable, 4 tool error, 5 agent/mesh
// error, 1 for anything else.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}

	var cliErr *cliError
	if errors.As(err, &cliErr) {
		return cliErr.code
	}

	switch errs.KindOf(err) {
	case errs.BadArgs:
		return 2
	case errs.Unavailable, errs.RateLimited, errs.Timeout, errs.Backend:
		return 3
	case errs.ExternalTool:
		return 4
	case errs.NoAgent, errs.PeerUnreachable, errs.SlowConsumer:
		return 5
	default:
		return 1
	}
}

// cliError pins an explicit exit code to an error that doesn't carry an
// errs.Kind, e.g. cobra flag-parsing failures.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func badArgsf(format string, args ...any) error {
	return &cliError{code: 2, err: fmt.Errorf(format, args...)}
}
