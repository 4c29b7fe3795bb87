package coremain

import (
	"errors"
	"os"
)

// ExitCodeReload is returned to the supervisor when the auto-reload
// timer requested a restart with fresh application code.
const ExitCodeReload = 127

// ExitCode maps a run error to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrReloadRequired):
		return ExitCodeReload
	default:
		return 1
	}
}

func exit(code int) {
	os.Exit(code)
}
