package util

import (
	"fmt"
	"os"
)

// WorkerIdentity returns the host name and a stable id for the current process.
func WorkerIdentity() (host string, pid int, id string) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	pid = os.Getpid()
	return host, pid, fmt.Sprintf("%s:%d", host, pid)
}
