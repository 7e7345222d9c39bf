// Package cli implements a colorized apex/log handler writing
// human readable log lines to a terminal.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/fatih/color"
	colorable "github.com/mattn/go-colorable"
)

// Default is a handler writing to the standard error.
var Default = New(os.Stderr)

// Colors maps log levels to colors.
var Colors = [...]*color.Color{
	log.DebugLevel: color.New(color.FgWhite),
	log.InfoLevel:  color.New(color.FgBlue),
	log.WarnLevel:  color.New(color.FgYellow),
	log.ErrorLevel: color.New(color.FgRed),
	log.FatalLevel: color.New(color.FgRed),
}

// Handler implements log.Handler.
type Handler struct {
	mu     sync.Mutex
	Writer io.Writer
}

// New creates a new handler writing to w. When w is a file, the
// writer is wrapped so that colors work on Windows too.
func New(w io.Writer) *Handler {
	if f, ok := w.(*os.File); ok {
		return &Handler{Writer: colorable.NewColorable(f)}
	}
	return &Handler{Writer: w}
}

// HandleLog implements log.Handler.
func (h *Handler) HandleLog(e *log.Entry) error {
	color := Colors[e.Level]
	level := strings.ToUpper(e.Level.String())
	names := e.Fields.Names()

	h.mu.Lock()
	defer h.mu.Unlock()

	color.Fprintf(h.Writer, "%-7s", level)
	fmt.Fprintf(h.Writer, " %s", e.Message)

	for _, name := range names {
		fmt.Fprintf(h.Writer, " %s=%v", name, e.Fields.Get(name))
	}

	fmt.Fprintln(h.Writer)
	return nil
}
