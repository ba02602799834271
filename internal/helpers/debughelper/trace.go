package debughelper

import (
	"runtime"
)

// TraceStack returns the calling goroutine's stack, truncated to 4KiB.
func TraceStack() string {
	buf := make([]byte, 4<<10)
	n := runtime.Stack(buf, false)
	return "stack:\n" + string(buf[:n])
}
