//go:build !unix

package app

import "os"

var kickSignals []os.Signal
