package memory

import "context"

// Store provides durable persistence for conversation turns.
type Store interface {
	Close() error
	// Append writes a committed turn.
	Append(ctx context.Context, role Role, content string) (Turn, error)
	// Recent returns the last limit committed turns, oldest first.
	Recent(ctx context.Context, limit int) ([]Turn, error)
	// All returns every committed turn in ascending ID order.
	All(ctx context.Context) ([]Turn, error)
	Count(ctx context.Context) (int, error)
	// Begin opens a unit of work whose turns stay invisible to other
	// readers until Commit.
	Begin(ctx context.Context) (Tx, error)
}

// Tx groups the turns of one exchange so they become visible together or
// not at all.
type Tx interface {
	ID() string
	Append(ctx context.Context, role Role, content string) (Turn, error)
	// Recent sees committed turns plus this unit's own pending turns.
	Recent(ctx context.Context, limit int) ([]Turn, error)
	Commit(ctx context.Context) error
	// Rollback removes this unit's pending turns. It is a no-op after
	// Commit and safe to call more than once.
	Rollback(ctx context.Context) error
}

// Generator produces text for a prompt. The generation gateway satisfies it.
type Generator interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}
