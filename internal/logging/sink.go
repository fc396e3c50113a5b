package logging

import (
	"io"
	"os"
)

// stderr returns the log sink. Split out so tests can swap it.
var stderr = func() io.Writer {
	return os.Stderr
}
