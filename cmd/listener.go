package cmd

import "net"

// newListener binds addr eagerly so startup failures (port already in use)
// surface from fx's OnStart instead of silently inside the serve goroutine.
func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
