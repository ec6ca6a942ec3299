package bridge

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrToolNotFound reports that no executable bridge tool could be resolved.
var ErrToolNotFound = errors.New("bridge tool not found")

// CommandError reports a bridge invocation that ran but did not succeed.
type CommandError struct {
	Args     []string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("bridge command %q failed: %s", strings.Join(e.Args, " "), e.Output)
}

// NewCommandError builds a CommandError from a failed Result.
func NewCommandError(args []string, res Result) *CommandError {
	return &CommandError{
		Args:     append([]string(nil), args...),
		ExitCode: res.ExitCode,
		Output:   res.Output,
	}
}

// IsToolNotFound reports whether err (or its cause) is ErrToolNotFound.
func IsToolNotFound(err error) bool {
	return err != nil && (errors.Cause(err) == ErrToolNotFound || stderrors.Is(err, ErrToolNotFound))
}

// AsCommandError extracts a CommandError from err's chain.
func AsCommandError(err error) (*CommandError, bool) {
	if err == nil {
		return nil, false
	}
	if ce, ok := errors.Cause(err).(*CommandError); ok {
		return ce, true
	}
	var ce *CommandError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
