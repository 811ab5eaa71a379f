package internal

import (
	"fmt"
	"runtime"
)

// Version is the current release of the livechat server.
const Version = "0.3.0"

// BuildInfo describes the running binary for the version command and /health.
func BuildInfo() string {
	return fmt.Sprintf("livechat v%s (%s/%s, %s)", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
}
