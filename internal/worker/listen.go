package worker

import (
	"fmt"
	"net"
)

const maxListenAttempts = 16

// Listen binds host on an OS-assigned port, retrying while the port is
// reserved. The returned listener stays open so the port cannot be taken
// between selection and serving.
func Listen(host string, reserved func(port int) bool) (net.Listener, int, error) {
	for attempt := 0; attempt < maxListenAttempts; attempt++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, 0, fmt.Errorf("listen %s: %w", host, err)
		}
		port := ln.Addr().(*net.TCPAddr).Port
		if reserved == nil || !reserved(port) {
			return ln, port, nil
		}
		_ = ln.Close()
	}
	return nil, 0, fmt.Errorf("listen %s: no unreserved port after %d attempts", host, maxListenAttempts)
}
