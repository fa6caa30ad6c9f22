package kalamari

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// Session-level errors.
var (
	ErrOutboundConnectFailed = errors.New("outbound connection failed")
	ErrRequestTimedOut       = errors.New("request timed out")
)

// serveStream runs one parse/classify/forward cycle on a stream. For a
// plain connection this is the whole session; for an intercepted CONNECT
// tunnel it is re-entered on the decrypted stream with the tunnel's target
// as the fallback host and the outer session's ID.
func (p *Proxy) serveStream(conn net.Conn, br *bufio.Reader, id uint64, fallbackHost string, fallbackPort int, intercepted bool) {
	method, target, _, err := ParseRequestLine(br)
	if err != nil {
		// Unparsable stream: drop the connection without a response.
		p.logger().Debug("request parse failed", "session", id, "error", err)
		return
	}

	headers, err := ParseHeaders(br)
	if err != nil {
		p.logger().Debug("header parse failed", "session", id, "error", err)
		return
	}

	req, err := p.buildRequest(method, target, headers, id, fallbackHost, fallbackPort)
	if err != nil {
		p.logger().Debug("bad request target", "session", id, "target", target, "error", err)
		return
	}

	p.logger().Info("request", "session", id, "method", req.Method, "host", req.Host, "port", req.Port, "path", req.Path, "intercepted", intercepted)
	if p.Metrics != nil {
		p.Metrics.RecordRequest(req.Method, intercepted)
	}

	start := time.Now()
	verdict, redirect := p.Engine.Classify(req)
	switch verdict {
	case VerdictBlock:
		p.logger().Info("request blocked", "session", id, "host", req.Host)
		if p.Metrics != nil {
			p.Metrics.RecordBlocked()
		}
		_, _ = conn.Write([]byte(statusNotFound))
		p.logAccess(req, conn, accessOutcome{blocked: true, duration: time.Since(start)})
		return

	case VerdictRedirect:
		// CONNECT has no resource path to redirect; tunnels pass through.
		if req.Method != "CONNECT" {
			host, port, path, err := ParseTarget(redirect)
			if err != nil {
				p.logger().Warn("invalid cache redirect target", "session", id, "target", redirect, "error", err)
			} else {
				req = req.Redirect(host, port, path)
				p.logger().Info("request redirected to cache", "session", id, "target", redirect)
				if p.Metrics != nil {
					p.Metrics.RecordCacheRedirect()
				}
			}
		}
	}

	if req.Method == "CONNECT" {
		p.establishTunnel(conn, br, req)
		return
	}

	p.relay(conn, br, req, intercepted, start)
}

// buildRequest assembles the Request for one parsed request line. CONNECT
// targets are authority form; an absolute target carries its own host; a
// relative target is only meaningful inside an intercepted tunnel, where
// the original CONNECT host fills in.
func (p *Proxy) buildRequest(method, target string, headers *Headers, id uint64, fallbackHost string, fallbackPort int) (*Request, error) {
	if method == "CONNECT" {
		host, port, _, err := ParseTarget(target)
		if err != nil {
			return nil, err
		}
		return NewRequest(method, host, port, "", headers, id), nil
	}

	if strings.HasPrefix(target, "/") {
		if fallbackHost == "" {
			return nil, fmt.Errorf("%w: relative target %q outside a tunnel", ErrMalformedRequest, target)
		}
		return NewRequest(method, fallbackHost, fallbackPort, target, headers, id), nil
	}

	host, port, path, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}
	return NewRequest(method, host, port, path, headers, id), nil
}

// establishTunnel acknowledges a CONNECT, terminates TLS with a locally
// issued certificate for the tunnel target, and re-enters request parsing
// on the decrypted stream under the same session ID.
func (p *Proxy) establishTunnel(conn net.Conn, br *bufio.Reader, req *Request) {
	cert, err := p.Certs.Issue(req.Host)
	if err != nil {
		// Fail closed: no acknowledgment, the client sees a dropped tunnel.
		p.logger().Error("certificate issuance failed", "session", req.SessionID, "host", req.Host, "error", err)
		if p.Metrics != nil {
			p.Metrics.RecordTLSError()
		}
		return
	}

	if _, err := conn.Write([]byte(statusTunnelOK)); err != nil {
		p.logger().Debug("write tunnel acknowledgment", "session", req.SessionID, "error", err)
		return
	}

	tlsConfig := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			// Prefer SNI when it names a different host than the CONNECT
			// target.
			if hello.ServerName != "" && hello.ServerName != req.Host {
				return p.Certs.Issue(hello.ServerName)
			}
			return cert, nil
		},
	}

	tlsConn := tls.Server(&bufferedConn{Conn: conn, r: br}, tlsConfig)
	_ = tlsConn.SetDeadline(time.Now().Add(p.timeout()))
	if err := tlsConn.Handshake(); err != nil {
		p.logger().Debug("TLS handshake failed", "session", req.SessionID, "host", req.Host, "error", err)
		if p.Metrics != nil {
			p.Metrics.RecordTLSError()
		}
		return
	}
	_ = tlsConn.SetDeadline(time.Time{})

	p.logger().Debug("tunnel established", "session", req.SessionID, "host", req.Host)

	// The nested leg reuses the outer session's ID so the outer and inner
	// requests correlate in logs.
	p.serveStream(tlsConn, bufio.NewReader(tlsConn), req.SessionID, req.Host, req.Port, true)
}

// relay opens the outbound connection, forwards the rewritten request
// head, and copies bytes in both directions until either side closes.
// The connect phase is bounded by the request timeout; once relaying has
// begun the session runs until EOF on either side.
func (p *Proxy) relay(conn net.Conn, br *bufio.Reader, req *Request, intercepted bool, start time.Time) {
	out, err := p.connect(req, intercepted)
	if err != nil {
		if errors.Is(err, ErrRequestTimedOut) {
			p.logger().Info("request timed out", "session", req.SessionID, "host", req.Host)
			if p.Metrics != nil {
				p.Metrics.RecordTimeout()
			}
		} else {
			p.logger().Info("outbound connection failed", "session", req.SessionID, "host", req.Host, "error", err)
			if p.Metrics != nil {
				p.Metrics.RecordUpstreamError()
			}
		}
		p.logAccess(req, conn, accessOutcome{err: err, duration: time.Since(start)})
		return
	}
	defer func() { _ = out.Close() }()

	if err := writeRequestHead(out, req); err != nil {
		p.logger().Debug("forward request head", "session", req.SessionID, "error", err)
		p.logAccess(req, conn, accessOutcome{err: err, duration: time.Since(start)})
		return
	}

	p.logger().Debug("relaying", "session", req.SessionID, "host", req.Host, "port", req.Port)

	var fromClient, toClient int64
	done := make(chan struct{})

	go func() {
		defer close(done)
		// Client-to-upstream: br first so bytes buffered during header
		// parsing are not lost.
		n, _ := io.Copy(out, br)
		fromClient = n
		closeWrite(out)
	}()

	n, _ := io.Copy(conn, out)
	toClient = n
	closeWrite(conn)
	<-done

	p.logAccess(req, conn, accessOutcome{
		bytesIn:  fromClient,
		bytesOut: toClient,
		duration: time.Since(start),
	})
	if p.Metrics != nil {
		p.Metrics.RecordRelayBytes(fromClient, toClient)
	}
}

// connect dials the request target, waiting at most until the request's
// timeout deadline. The dial runs on its own goroutine and resolves a
// one-shot channel; a late success after timeout is closed and discarded.
// Inside an intercepted tunnel the outbound leg is re-secured with TLS to
// the real destination.
func (p *Proxy) connect(req *Request, intercepted bool) (net.Conn, error) {
	addr := net.JoinHostPort(req.Host, strconv.Itoa(req.Port))

	type dialResult struct {
		conn net.Conn
		err  error
	}
	ch := make(chan dialResult, 1)

	ctx, cancel := context.WithDeadline(context.Background(), req.Created.Add(p.timeout()))
	go func() {
		defer cancel()
		conn, err := p.dial(ctx, addr)
		if err == nil && intercepted {
			tlsConn := tls.Client(conn, &tls.Config{ServerName: req.Host})
			if herr := tlsConn.HandshakeContext(ctx); herr != nil {
				_ = conn.Close()
				ch <- dialResult{nil, herr}
				return
			}
			conn = tlsConn
		}
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(time.Until(req.Created.Add(p.timeout())))
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrOutboundConnectFailed, addr, res.err)
		}
		return res.conn, nil
	case <-timer.C:
		cancel()
		go func() {
			if res := <-ch; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ErrRequestTimedOut
	}
}

// writeRequestHead forwards the request line and headers in HTTP/1.0 form
// with Connection and Host replaced, followed by the blank line. Header
// bytes are written exactly as they were read.
func writeRequestHead(w io.Writer, req *Request) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.0\r\nHost: %s\r\nConnection: close\r\n", req.Method, req.Path, req.Host)
	for _, e := range req.Headers.Entries() {
		switch strings.ToLower(e.Name) {
		case "connection", "host":
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", e.Name, e.Value)
	}
	b.WriteString("\r\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// closeWrite half-closes the write side where the transport supports it,
// so the peer sees EOF while its own writes still drain. Falls back to a
// full close.
func closeWrite(conn net.Conn) {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = conn.Close()
}

// bufferedConn lets the TLS server consume bytes the header parser already
// buffered before handing reads back to the underlying connection.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

type accessOutcome struct {
	blocked  bool
	err      error
	bytesIn  int64
	bytesOut int64
	duration time.Duration
}

func (p *Proxy) logAccess(req *Request, conn net.Conn, out accessOutcome) {
	if p.AccessLog == nil {
		return
	}

	entry := AccessEntry{
		Timestamp:  time.Now(),
		SessionID:  req.SessionID,
		Method:     req.Method,
		Host:       req.Host,
		Port:       req.Port,
		Path:       req.Path,
		ClientAddr: conn.RemoteAddr().String(),
		Blocked:    out.blocked,
		BytesIn:    out.bytesIn,
		BytesOut:   out.bytesOut,
		Duration:   out.duration,
	}
	if out.err != nil {
		entry.Error = out.err.Error()
	}
	p.AccessLog.Log(entry)
}
