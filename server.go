package kalamari

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// Status lines written by the proxy itself. These are byte-for-byte the
// responses the original tool emitted, blank line included.
const (
	statusForbidden       = "HTTP/1.1 403 Forbidden\n\n"
	statusNotFound        = "HTTP/1.1 404 Not Found\n\n"
	statusTunnelOK        = "HTTP/1.1 200 OK\n\n"
	statusTooManyRequests = "HTTP/1.1 429 Too Many Requests\n\n"
)

// DefaultTimeout bounds how long a session may wait for its outbound
// connection before aborting.
const DefaultTimeout = 150 * time.Second

// Proxy is a forward HTTP/HTTPS proxy that classifies requests against
// hot-reloadable rulesets and intercepts CONNECT tunnels by issuing
// certificates from a local CA.
type Proxy struct {
	// Addr is the address to listen on (e.g., ":8080").
	Addr string

	// ACL gates inbound client IPs. Required.
	ACL *ACL

	// Engine classifies requests against the current rulesets. Required.
	Engine *Engine

	// Certs issues interception certificates for CONNECT tunnels. When
	// nil, CONNECT interception fails closed per session.
	Certs *CertManager

	// Timeout bounds the wait for the outbound connection, measured from
	// request creation. Zero means DefaultTimeout.
	Timeout time.Duration

	// Logger for proxy events.
	Logger *slog.Logger

	// Metrics collects Prometheus metrics (optional).
	Metrics *Metrics

	// AccessLog writes structured access log entries per session (optional).
	AccessLog *AccessLogger

	// RateLimiter throttles clients after the ACL gate (optional).
	RateLimiter *RateLimiter

	// DialContext opens outbound TCP connections. Defaults to a
	// net.Dialer. Overridable for tests.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	listener net.Listener
	nextID   atomic.Uint64
	closed   atomic.Bool
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewProxy creates a proxy with the required collaborators wired in.
func NewProxy(addr string, acl *ACL, engine *Engine, certs *CertManager) *Proxy {
	return &Proxy{
		Addr:   addr,
		ACL:    acl,
		Engine: engine,
		Certs:  certs,
		Logger: slog.Default(),
	}
}

// ListenAndServe starts accepting proxy connections. It blocks until the
// listener is closed by Shutdown.
func (p *Proxy) ListenAndServe() error {
	listener, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return p.Serve(listener)
}

// Serve accepts connections from an existing listener. Each accepted
// connection is assigned a session ID and handled on its own goroutine.
func (p *Proxy) Serve(listener net.Listener) error {
	p.mu.Lock()
	p.listener = listener
	if p.conns == nil {
		p.conns = make(map[net.Conn]struct{})
	}
	p.mu.Unlock()

	p.logger().Info("proxy listening", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if p.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		p.trackConn(conn, true)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.trackConn(conn, false)
			p.serveConn(conn)
		}()
	}
}

// Shutdown stops accepting new connections and waits for in-flight
// sessions to drain. When ctx expires, remaining connections are closed
// forcibly.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.closed.Store(true)

	p.mu.Lock()
	listener := p.listener
	p.mu.Unlock()
	if listener != nil {
		_ = listener.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		for conn := range p.conns {
			_ = conn.Close()
		}
		p.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address, useful when
// listening on :0.
func (p *Proxy) ListenerAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

func (p *Proxy) trackConn(conn net.Conn, add bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if add {
		p.conns[conn] = struct{}{}
	} else {
		delete(p.conns, conn)
	}
}

// serveConn runs the per-connection state machine: ACL gate, rate limit
// gate, then the parse/classify/relay pipeline on the raw stream.
func (p *Proxy) serveConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	id := p.nextID.Add(1)

	if p.Metrics != nil {
		p.Metrics.IncActiveSessions()
		defer p.Metrics.DecActiveSessions()
	}

	addr, ok := peerAddr(conn)
	if !ok || !p.ACL.AllowedAddr(addr) {
		p.logger().Info("client rejected by ACL", "session", id, "client", conn.RemoteAddr())
		if p.Metrics != nil {
			p.Metrics.RecordRejected("acl")
		}
		_, _ = conn.Write([]byte(statusForbidden))
		return
	}

	if p.RateLimiter != nil && !p.RateLimiter.Allow(addr.String()) {
		p.logger().Info("client rejected by rate limit", "session", id, "client", conn.RemoteAddr())
		if p.Metrics != nil {
			p.Metrics.RecordRejected("ratelimit")
		}
		_, _ = conn.Write([]byte(statusTooManyRequests))
		return
	}

	p.serveStream(conn, bufio.NewReader(conn), id, "", 0, false)
}

// peerAddr extracts the client IP from the accepted connection. The bool
// is false when no address could be determined, which the caller treats
// as not allowed.
func peerAddr(conn net.Conn) (netip.Addr, bool) {
	remote := conn.RemoteAddr()
	if remote == nil {
		return netip.Addr{}, false
	}
	ap, err := netip.ParseAddrPort(remote.String())
	if err != nil {
		// Not a host:port address (e.g., a pipe in tests).
		addr, err := netip.ParseAddr(remote.String())
		if err != nil {
			return netip.Addr{}, false
		}
		return addr, true
	}
	return ap.Addr(), true
}

func (p *Proxy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Proxy) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return DefaultTimeout
}

func (p *Proxy) dial(ctx context.Context, addr string) (net.Conn, error) {
	if p.DialContext != nil {
		return p.DialContext(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}
