package interp

import "errors"

var (
	// ErrSpawn is returned when the interpreter binary cannot be started.
	// It is the only bridge-fatal error in the package.
	ErrSpawn = errors.New("interpreter spawn failed")

	// ErrBrokenPipe is returned when writing to an interpreter that no
	// longer accepts input.
	ErrBrokenPipe = errors.New("interpreter pipe closed")

	// ErrClosed is returned by operations on a closed Console.
	ErrClosed = errors.New("console closed")
)
