//go:build windows

package worker

import "os"

// Windows has no SIGTERM for console children.
func terminate(p *os.Process) error { return p.Kill() }
