package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"github.com/go-authgate/token-keeper/refresh"
)

// Process exit codes, stable for scripting.
const (
	exitOK           = 0
	exitConfig       = 1
	exitTokenFailure = 2
	exitStorage      = 3
)

func main() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	opts := newOptions(os.Stdout, os.Stderr)
	opts.tty = isTTY()
	os.Exit(run(opts, os.Args[1:]))
}

// run parses args, executes the selected command and maps its error to an
// exit code.
func run(opts *Options, args []string) int {
	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	_, err := parser.ParseArgs(args)
	if err == nil {
		return exitOK
	}

	var ferr *flags.Error
	if errors.As(err, &ferr) {
		if ferr.Type == flags.ErrHelp {
			fmt.Fprintln(opts.stdout, ferr.Message)
			return exitOK
		}
		fmt.Fprintf(opts.stderr, "Error: %v\n", ferr)
		return exitConfig
	}

	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, refresh.ErrNoToken), errors.Is(err, errTokenNotUsable):
		return exitTokenFailure
	}

	switch refresh.KindOf(err) {
	case refresh.KindStorage:
		return exitStorage
	case refresh.KindAcquisition, refresh.KindMalformedToken, refresh.KindMissingClaim:
		return exitTokenFailure
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// interrupted while waiting for a refresh
		return exitTokenFailure
	default:
		return exitConfig
	}
}
