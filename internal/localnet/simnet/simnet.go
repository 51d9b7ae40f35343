// Package simnet is an in-process stand-in for a home LAN: hostnames and
// addresses map to handlers served from one loopback listener, and hosts can
// be made unreachable. It backs `potatolink pair --simulate` and the tests.
package simnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Network routes dials by host name.
type Network struct {
	ln  net.Listener
	srv *http.Server

	mu        sync.RWMutex
	hosts     map[string]http.Handler
	blackhole map[string]bool
}

// New starts the loopback listener backing the network.
func New() (*Network, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("simnet listen: %w", err)
	}
	n := &Network{
		ln:        ln,
		hosts:     make(map[string]http.Handler),
		blackhole: make(map[string]bool),
	}
	n.srv = &http.Server{Handler: http.HandlerFunc(n.route)}
	go func() {
		if err := n.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("simnet serve error", "error", err)
		}
	}()
	return n, nil
}

// Handle makes host (any port) answer with h.
func (n *Network) Handle(host string, h http.Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hosts[host] = h
	delete(n.blackhole, host)
}

// Blackhole makes dials to host hang until the caller gives up.
func (n *Network) Blackhole(host string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blackhole[host] = true
	delete(n.hosts, host)
}

// Client returns an HTTP client whose connections go through the network.
func (n *Network) Client() *http.Client {
	return &http.Client{Transport: &http.Transport{
		DialContext:       n.DialContext,
		DisableKeepAlives: true,
	}}
}

// DialContext resolves addr against the network's hosts.
func (n *Network) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	n.mu.RLock()
	_, known := n.hosts[host]
	hole := n.blackhole[host]
	n.mu.RUnlock()

	switch {
	case hole:
		<-ctx.Done()
		return nil, &net.OpError{Op: "dial", Net: network, Err: ctx.Err()}
	case !known:
		return nil, &net.OpError{Op: "dial", Net: network, Err: fmt.Errorf("no route to host %s", host)}
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", n.ln.Addr().String())
}

func (n *Network) route(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if h, _, err := net.SplitHostPort(r.Host); err == nil {
		host = h
	}
	n.mu.RLock()
	h, ok := n.hosts[host]
	n.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown host", http.StatusBadGateway)
		return
	}
	h.ServeHTTP(w, r)
}

// Close stops the listener.
func (n *Network) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return n.srv.Shutdown(ctx)
}
