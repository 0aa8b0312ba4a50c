package util

import (
	"fmt"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/syncbox/syncbox/pkg/errors"
)

// HandleFatalError prints a friendly version of `err` and exits.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	fmt.Fprintln(os.Stderr, errors.GetPrintableMessage(err))
	os.Exit(1)
}

// HandlePanic recovers from panics in the calling goroutine so the user
// sees a report instead of a raw Go stack dump on stderr alone.
func HandlePanic() {
	r := recover()
	if r == nil {
		return
	}

	log.WithField("panic", r).Error("Crashed")
	fmt.Fprintf(os.Stderr, "syncbox crashed: %v\n\n%s\n", r, debug.Stack())
	os.Exit(1)
}
