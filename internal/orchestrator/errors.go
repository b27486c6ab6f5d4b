package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/nidhogg/nuka-crew/internal/bus"
	"github.com/nidhogg/nuka-crew/internal/guard"
	"github.com/nidhogg/nuka-crew/internal/team"
)

// TeamError is a failure reported by a team over the bus.
type TeamError struct {
	Team    string
	Code    string
	Message string
}

func (e *TeamError) Error() string {
	return fmt.Sprintf("team %s: %s", e.Team, e.Message)
}

// Unwrap maps the wire code back to its sentinel.
func (e *TeamError) Unwrap() error {
	switch e.Code {
	case bus.CodeWorker:
		return team.ErrWorker
	case bus.CodeDuplicateLoop:
		return guard.ErrDuplicateLoop
	case bus.CodeDeadline:
		return guard.ErrDeadlineExceeded
	case bus.CodeUnknownTeam:
		return team.ErrUnknownTeam
	}
	return nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, guard.ErrDuplicateLoop):
		return bus.CodeDuplicateLoop
	case errors.Is(err, guard.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return bus.CodeDeadline
	case errors.Is(err, team.ErrUnknownTeam):
		return bus.CodeUnknownTeam
	case errors.Is(err, team.ErrWorker):
		return bus.CodeWorker
	}
	return bus.CodeInternal
}

// IsTimeout reports whether err came from a deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, guard.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}
