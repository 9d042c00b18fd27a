package sandbox

import "errors"

var (
	ErrNoArtifactProduced = errors.New("visualisation must be saved to an external html file or served on a port")
	ErrMultipleArtifacts  = errors.New("more than one artifact was produced")
	ErrSyntax             = errors.New("syntax error")
	ErrUnsupportedPackage = errors.New("unsupported package")
)

// ExecutionError is a failure caused by the submitted code itself. Code is
// the submission exactly as received so callers can feed it back for repair.
type ExecutionError struct {
	Err  string
	Code string

	cause error
}

func (e *ExecutionError) Error() string { return e.Err }

func (e *ExecutionError) Unwrap() error { return e.cause }

func newExecutionError(msg, code string, cause error) *ExecutionError {
	return &ExecutionError{Err: msg, Code: code, cause: cause}
}

// IsTerminal reports whether err must not be retried with a fresh runtime.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrSyntax) || errors.Is(err, ErrUnsupportedPackage)
}

var ErrUnsupportedLanguage = errors.New("unsupported language")
