//go:build windows

package terminal

import (
	"io"

	"github.com/mattn/go-colorable"
)

// getColorableWriter returns a writer that translates ANSI escapes for the
// Windows console.
func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}
