package debug

import (
	"fmt"
	"runtime"
)

// Assert panics when truth is false. use it for programmer errors only:
// anything that can be caused by bytes coming from the network must be
// returned as an error instead.
//
// NOTE: shape borrowed from
// https://github.com/golang/go/blob/eaa7d9ff86b35c72cc35bd7c14b349fa414c392f/src/go/types/errors.go#L18
func Assert(truth bool, msg ...string) {
	if len(msg) > 1 {
		panic("invalid assert args")
	}
	if truth {
		return
	}
	text := "assertion failed"
	if len(msg) == 1 {
		text = fmt.Sprintf("assertion failed: %s", msg[0])
	}
	// location of the failed assertion gets buried under recover frames
	// otherwise.
	if _, file, line, ok := runtime.Caller(1); ok {
		text = fmt.Sprintf("%s:%d: %s", file, line, text)
	}
	panic(text)
}

// Assertf is Assert with a formatted message. args are only formatted on
// failure.
func Assertf(truth bool, format string, args ...any) {
	if truth {
		return
	}
	text := "assertion failed: " + fmt.Sprintf(format, args...)
	if _, file, line, ok := runtime.Caller(1); ok {
		text = fmt.Sprintf("%s:%d: %s", file, line, text)
	}
	panic(text)
}
