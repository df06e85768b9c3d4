// ./main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/classbot/cmd"
	"github.com/xkilldash9x/classbot/internal/enroll"
	"github.com/xkilldash9x/classbot/internal/observability"
)

const panicLogFile = "panic.log"

// Function variables for tests.
var (
	osWriteFile = os.WriteFile
	osExit      = os.Exit
)

// main is the entry point for the classbot CLI.
func main() {
	defer handlePanic()

	// SIGINT and SIGTERM cancel the run; the final notifications are still
	// sent on a detached context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cmd.Execute(ctx)
	stop()

	observability.Sync()
	osExit(code)
}

// handlePanic records a panic that escaped the enrollment run and exits with
// the unknown-error status.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(panicMessage), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
	} else {
		fmt.Fprintf(os.Stderr, "\nclassbot crashed. Details logged to %s\n", panicLogFile)
	}
	osExit(enroll.Unknown.Code())
}
