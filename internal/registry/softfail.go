package registry

import (
	"fmt"
	"log/slog"
)

// SoftFailure is a reconnect or termination error that was swallowed to
// keep the rest of the system available. It only ever reaches the logger.
type SoftFailure struct {
	Op        string
	SandboxID string
	Err       error
}

func (f *SoftFailure) Error() string {
	return fmt.Sprintf("%s sandbox %s: %v", f.Op, f.SandboxID, f.Err)
}

func (f *SoftFailure) Unwrap() error { return f.Err }

// LogValue renders the failure as a log group.
func (f *SoftFailure) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("op", f.Op),
		slog.String("sandbox_id", f.SandboxID),
		slog.String("error", f.Err.Error()),
	)
}

var (
	_ error          = (*SoftFailure)(nil)
	_ slog.LogValuer = (*SoftFailure)(nil)
)
