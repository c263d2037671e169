//go:build !unix

package transport

import "os"

func terminate(p *os.Process) error {
	return p.Kill()
}
