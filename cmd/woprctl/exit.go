// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"github.com/wopr-project/wopr-core/protocol"
)

// exitCodeError carries a protocol.Result's ExitCode through cobra's
// RunE return path without cobra printing a second "Error: ..." line
// for outcomes that are not Go errors in the traditional sense (e.g. a
// clean Rejected or RateLimited reply already printed above).
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string { return "" }

// exitFor reports outcome.Result.ExitCode() as the process exit code by
// returning a silent error for any non-OK result, letting main's os.Exit
// happen through cobra's normal error path without duplicating the
// outcome line already printed by the caller.
func exitFor(outcome protocol.Outcome) error {
	if outcome.Result == protocol.ResultOK {
		return nil
	}
	return &exitCodeError{code: outcome.Result.ExitCode()}
}
