package kalamari

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Parser limits, matching the bounds enforced by the proxy on any single
// request head read off the wire.
const (
	// MaxLineBytes is the maximum length of a single request or header line.
	MaxLineBytes = 65536

	// MaxHeaderLines is the maximum number of header lines per request.
	MaxHeaderLines = 100
)

// Parser errors. A session that hits one of these is closed without a
// response; the peer sent a stream we cannot make sense of.
var (
	ErrMalformedRequest = errors.New("malformed request line")
	ErrLineTooLong      = errors.New("line too long while parsing header")
	ErrTooManyHeaders   = errors.New("too many headers while parsing")
)

// Request is one parsed proxy request. A Request is immutable after
// construction; a cache redirect builds a replacement with Redirect rather
// than mutating fields under a reader holding a reference.
type Request struct {
	Method  string
	Host    string
	Port    int
	Path    string
	Headers *Headers

	// SessionID correlates the request with its connection. Requests parsed
	// inside an intercepted TLS tunnel reuse the outer session's ID.
	SessionID uint64

	// Created is when the request was parsed. The connect-phase timeout is
	// measured from this instant.
	Created time.Time
}

// NewRequest builds a Request stamped with the current time.
func NewRequest(method, host string, port int, path string, headers *Headers, sessionID uint64) *Request {
	if headers == nil {
		headers = NewHeaders()
	}
	return &Request{
		Method:    method,
		Host:      host,
		Port:      port,
		Path:      path,
		Headers:   headers,
		SessionID: sessionID,
		Created:   time.Now(),
	}
}

// Redirect returns a fresh Request pointed at a new target, keeping the
// method, headers, and session ID of the receiver.
func (r *Request) Redirect(host string, port int, path string) *Request {
	return NewRequest(r.Method, host, port, path, r.Headers, r.SessionID)
}

// TimedOut reports whether the request has been outstanding longer than
// the given timeout.
func (r *Request) TimedOut(timeout time.Duration) bool {
	return time.Since(r.Created) > timeout
}

func (r *Request) String() string {
	return fmt.Sprintf("(session %d) method=%s, host=%s, port=%d, path=%s",
		r.SessionID, r.Method, r.Host, r.Port, r.Path)
}

// Headers is an ordered, case-insensitively keyed header collection. Wire
// order is preserved for forwarding; Get resolves names without regard to
// case and returns the last value seen for duplicates.
//
// Header bytes are kept exactly as read. Values outside 7-bit ASCII are
// opaque single bytes (Latin-1 on the wire) and round-trip losslessly.
type Headers struct {
	entries []HeaderEntry
	index   map[string]int
}

// HeaderEntry is a single name/value pair in wire order and original casing.
type HeaderEntry struct {
	Name  string
	Value string
}

// NewHeaders returns an empty header collection.
func NewHeaders() *Headers {
	return &Headers{index: make(map[string]int)}
}

// Add appends a header, preserving wire order. A repeated name keeps both
// entries; lookups resolve to the later one.
func (h *Headers) Add(name, value string) {
	h.entries = append(h.entries, HeaderEntry{Name: name, Value: value})
	h.index[strings.ToLower(name)] = len(h.entries) - 1
}

// Get returns the value for name, matching case-insensitively. The empty
// string means the header is absent.
func (h *Headers) Get(name string) string {
	i, ok := h.index[strings.ToLower(name)]
	if !ok {
		return ""
	}
	return h.entries[i].Value
}

// Has reports whether a header with the given name is present.
func (h *Headers) Has(name string) bool {
	_, ok := h.index[strings.ToLower(name)]
	return ok
}

// Len returns the number of header entries.
func (h *Headers) Len() int {
	return len(h.entries)
}

// Entries returns the headers in wire order. The caller must not modify
// the returned slice.
func (h *Headers) Entries() []HeaderEntry {
	return h.entries
}

// readLine reads one \n-terminated line from r with the trailing CRLF or LF
// stripped. Lines longer than MaxLineBytes fail with ErrLineTooLong. At
// clean EOF the empty string is returned along with io.EOF.
func readLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > MaxLineBytes {
			return "", ErrLineTooLong
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(buf) > 0 {
			break
		}
		return "", err
	}

	line := strings.TrimSuffix(string(buf), "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// ParseRequestLine reads and splits one request line into its verb, target,
// and HTTP version tokens. Any missing token fails with ErrMalformedRequest.
func ParseRequestLine(r *bufio.Reader) (method, target, version string, err error) {
	line, err := readLine(r)
	if err != nil {
		if err == io.EOF {
			return "", "", "", fmt.Errorf("%w: empty request", ErrMalformedRequest)
		}
		return "", "", "", err
	}

	split := strings.Split(line, " ")
	if len(split) == 1 && split[0] == "" {
		return "", "", "", fmt.Errorf("%w: missing HTTP verb", ErrMalformedRequest)
	}
	method = split[0]

	if len(split) < 2 {
		return "", "", "", fmt.Errorf("%w: missing request target", ErrMalformedRequest)
	}
	target = split[1]

	if len(split) < 3 {
		return "", "", "", fmt.Errorf("%w: missing HTTP version", ErrMalformedRequest)
	}
	version = strings.TrimSpace(split[2])

	return method, target, version, nil
}

// ParseHeaders reads header lines up to the blank-line terminator. It fails
// with ErrLineTooLong or ErrTooManyHeaders when the request head exceeds
// the parser bounds. Lines without a colon are ignored.
func ParseHeaders(r *bufio.Reader) (*Headers, error) {
	headers := NewHeaders()
	lines := 0

	for {
		line, err := readLine(r)
		if err != nil {
			if err == io.EOF {
				// Peer closed before the terminator; treat what we have as
				// the complete header block, matching lenient proxy reads.
				return headers, nil
			}
			return nil, err
		}
		if line == "" {
			return headers, nil
		}

		lines++
		if lines > MaxHeaderLines {
			return nil, ErrTooManyHeaders
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers.Add(name, strings.TrimLeft(value, " \t"))
	}
}

// ParseTarget decomposes a request target or redirect string into host,
// port, and path. Three shapes are accepted:
//
//   - absolute URL: "http://example.com/a?q=1" -> (example.com, 80, "/a?q=1")
//   - authority form (CONNECT): "example.com:443" -> (example.com, 443, "")
//   - bare host with optional path: "test.com/file" -> (test.com, 80, "/file")
//
// The port defaults to 80, or 443 for an https scheme.
func ParseTarget(target string) (host string, port int, path string, err error) {
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil || u.Hostname() == "" {
			return "", 0, "", fmt.Errorf("%w: bad target %q", ErrMalformedRequest, target)
		}
		port := 80
		if u.Scheme == "https" {
			port = 443
		}
		if p := u.Port(); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				return "", 0, "", fmt.Errorf("%w: bad port in target %q", ErrMalformedRequest, target)
			}
			port = n
		}
		path := u.Path
		if path == "" {
			path = "/"
		}
		if u.RawQuery != "" {
			path += "?" + u.RawQuery
		}
		return u.Hostname(), port, path, nil
	}

	// Authority form used by CONNECT: a single host:port, no path.
	if !strings.Contains(target, "/") && strings.Count(target, ":") == 1 {
		h, p, _ := strings.Cut(target, ":")
		n, err := strconv.Atoi(p)
		if err != nil || h == "" {
			return "", 0, "", fmt.Errorf("%w: bad authority %q", ErrMalformedRequest, target)
		}
		return h, n, "", nil
	}

	// Bare host with an optional path, as used by cache redirect targets.
	h, rest, found := strings.Cut(target, "/")
	if h == "" {
		return "", 0, "", fmt.Errorf("%w: bad target %q", ErrMalformedRequest, target)
	}
	port = 80
	if hostOnly, p, hasPort := strings.Cut(h, ":"); hasPort {
		n, err := strconv.Atoi(p)
		if err != nil || hostOnly == "" {
			return "", 0, "", fmt.Errorf("%w: bad port in target %q", ErrMalformedRequest, target)
		}
		h, port = hostOnly, n
	}
	path = "/"
	if found {
		path += rest
	}
	return h, port, path, nil
}
