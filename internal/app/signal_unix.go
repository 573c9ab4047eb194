//go:build unix

package app

import (
	"os"
	"syscall"
)

var kickSignals = []os.Signal{syscall.SIGUSR1}
