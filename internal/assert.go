package internal

import (
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Assert verifies an invariant that should never be broken during
// normal operation. If expr is false and ROOMKIT_DEBUG=1 the program
// panics; otherwise an error is logged with the caller's file/line.
// Not for ordinary failures like network errors.
//
// The msg should state the expectation, e.g.:
//
//	Assert("cursor advances after every poll", next != since)
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("ROOMKIT_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	if _, file, line, ok := runtime.Caller(1); ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
