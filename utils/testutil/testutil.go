// Package testutil provides small helpers shared across this repo's tests.
package testutil

import (
	"net"
	"net/http"
)

// StartServer starts an HTTP server with h. Returns the address the server
// is listening on, and a closure for stopping the server.
func StartServer(h http.Handler) (addr string, stop func()) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		panic(err)
	}
	s := &http.Server{Handler: h}
	go s.Serve(l)
	return l.Addr().String(), func() { s.Close() }
}
