package terminal

import (
	"context"
	"time"

	"github.com/peterje/coderunner/internal/models"
)

// Sink receives every frame the engine produces. Implementations must not
// block for long; the engine calls Publish from its stream goroutines.
type Sink interface {
	Publish(topic string, f Frame)
}

// Controller drives interactive sessions. The in-process Engine and the
// shepherd client both implement it.
type Controller interface {
	Start(ctx context.Context, key, code, language string) error
	HandleInput(key, data string)
	Stop(key string)
	Active() []string
}

// Journal records session history.
type Journal interface {
	SessionStarted(ctx context.Context, s models.Session) error
	SessionEnded(ctx context.Context, id, status string, exitCode int, endedAt time.Time) error
}
