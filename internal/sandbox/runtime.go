package sandbox

import "context"

// Runtime provisions isolated execution contexts. Every Session it returns is
// fresh and owned by exactly one attempt.
type Runtime interface {
	Provision(ctx context.Context, spec SessionSpec) (Session, error)
}

type SessionSpec struct {
	// WatchTmp makes the session report files written to its temp dir too.
	WatchTmp bool
}

// Session is one isolated context. Close must be safe to call after any
// failure, including a partially provisioned session.
type Session interface {
	Install(ctx context.Context, packages []string) error
	Run(ctx context.Context, code string) (*Outcome, error)
	// Fetch performs a GET against a port opened inside the session.
	Fetch(ctx context.Context, port int) (int, []byte, error)
	Close(ctx context.Context) error
}

// Outcome is what a single run left behind.
type Outcome struct {
	// Files written during the run, by base name.
	Files []File
	// Ports that started listening during the run.
	Ports []int
	// Traceback is set when the interpreter exited with an error.
	Traceback string
}

type File struct {
	Name string
	Data []byte
}
