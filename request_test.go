package kalamari

import (
	"bufio"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseRequestLine(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantMethod  string
		wantTarget  string
		wantVersion string
		wantErr     error
	}{
		{"plain GET", "GET http://example.com/ HTTP/1.1\r\n", "GET", "http://example.com/", "HTTP/1.1", nil},
		{"LF only", "GET http://example.com/ HTTP/1.1\n", "GET", "http://example.com/", "HTTP/1.1", nil},
		{"CONNECT", "CONNECT example.com:443 HTTP/1.1\r\n", "CONNECT", "example.com:443", "HTTP/1.1", nil},
		{"missing verb", "\r\n", "", "", "", ErrMalformedRequest},
		{"missing target", "GET\r\n", "", "", "", ErrMalformedRequest},
		{"missing version", "GET http://example.com/\r\n", "", "", "", ErrMalformedRequest},
		{"empty stream", "", "", "", "", ErrMalformedRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method, target, version, err := ParseRequestLine(bufio.NewReader(strings.NewReader(tt.input)))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseRequestLine(%q) error = %v, want %v", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRequestLine(%q) unexpected error: %v", tt.input, err)
			}
			if method != tt.wantMethod || target != tt.wantTarget || version != tt.wantVersion {
				t.Errorf("ParseRequestLine(%q) = (%q, %q, %q), want (%q, %q, %q)",
					tt.input, method, target, version, tt.wantMethod, tt.wantTarget, tt.wantVersion)
			}
		})
	}
}

func TestParseRequestLine_TooLong(t *testing.T) {
	line := "GET /" + strings.Repeat("a", MaxLineBytes) + " HTTP/1.1\r\n"
	_, _, _, err := ParseRequestLine(bufio.NewReader(strings.NewReader(line)))
	if !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("error = %v, want ErrLineTooLong", err)
	}
}

func TestParseHeaders(t *testing.T) {
	input := "Host: example.com\r\n" +
		"Accept: text/html\r\n" +
		"X-Custom:\tvalue with tab prefix\r\n" +
		"garbage line without colon\r\n" +
		"Accept: application/json\r\n" +
		"\r\n" +
		"body bytes"

	headers, err := ParseHeaders(bufio.NewReader(strings.NewReader(input)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := headers.Get("host"); got != "example.com" {
		t.Errorf("Get(host) = %q, want example.com", got)
	}
	if got := headers.Get("HOST"); got != "example.com" {
		t.Errorf("Get(HOST) = %q, want example.com", got)
	}
	if got := headers.Get("X-Custom"); got != "value with tab prefix" {
		t.Errorf("Get(X-Custom) = %q", got)
	}

	// Duplicate names resolve to the later value but keep both entries.
	if got := headers.Get("Accept"); got != "application/json" {
		t.Errorf("Get(Accept) = %q, want application/json", got)
	}
	if headers.Len() != 4 {
		t.Errorf("Len() = %d, want 4", headers.Len())
	}

	// Wire order is preserved.
	entries := headers.Entries()
	if entries[0].Name != "Host" || entries[1].Name != "Accept" {
		t.Errorf("unexpected entry order: %v", entries)
	}
}

func TestParseHeaders_EOFBeforeTerminator(t *testing.T) {
	input := "Host: example.com\r\nAccept: */*"
	headers, err := ParseHeaders(bufio.NewReader(strings.NewReader(input)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if headers.Get("Accept") != "*/*" {
		t.Errorf("Get(Accept) = %q, want */*", headers.Get("Accept"))
	}
}

func TestParseHeaders_TooMany(t *testing.T) {
	var b strings.Builder
	for i := 0; i <= MaxHeaderLines; i++ {
		b.WriteString("X-Filler: v\r\n")
	}
	b.WriteString("\r\n")

	_, err := ParseHeaders(bufio.NewReader(strings.NewReader(b.String())))
	if !errors.Is(err, ErrTooManyHeaders) {
		t.Fatalf("error = %v, want ErrTooManyHeaders", err)
	}
}

func TestParseHeaders_LineTooLong(t *testing.T) {
	input := "X-Big: " + strings.Repeat("v", MaxLineBytes) + "\r\n\r\n"
	_, err := ParseHeaders(bufio.NewReader(strings.NewReader(input)))
	if !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("error = %v, want ErrLineTooLong", err)
	}
}

func TestHeaders_Latin1RoundTrip(t *testing.T) {
	// Header bytes outside 7-bit ASCII must pass through unmodified.
	value := "caf\xe9 \xff\xfe"
	input := "X-Latin: " + value + "\r\n\r\n"

	headers, err := ParseHeaders(bufio.NewReader(strings.NewReader(input)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := headers.Get("X-Latin"); got != value {
		t.Errorf("Get(X-Latin) = %q, want %q", got, value)
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		wantHost string
		wantPort int
		wantPath string
		wantErr  bool
	}{
		{"absolute http", "http://example.com/a/b", "example.com", 80, "/a/b", false},
		{"absolute https", "https://example.com/a", "example.com", 443, "/a", false},
		{"absolute explicit port", "http://example.com:8080/a", "example.com", 8080, "/a", false},
		{"absolute no path", "http://example.com", "example.com", 80, "/", false},
		{"absolute with query", "http://example.com/s?q=1&r=2", "example.com", 80, "/s?q=1&r=2", false},
		{"authority form", "example.com:443", "example.com", 443, "", false},
		{"bare host", "test.com", "test.com", 80, "/", false},
		{"bare host with path", "test.com/file.zip", "test.com", 80, "/file.zip", false},
		{"bare host port path", "mirror.local:8080/pkg/x", "mirror.local", 8080, "/pkg/x", false},
		{"bad authority port", "example.com:abc", "", 0, "", true},
		{"empty", "", "", 0, "", true},
		{"scheme without host", "http://", "", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, path, err := ParseTarget(tt.target)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseTarget(%q) = (%q, %d, %q), want error", tt.target, host, port, path)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTarget(%q) unexpected error: %v", tt.target, err)
			}
			if host != tt.wantHost || port != tt.wantPort || path != tt.wantPath {
				t.Errorf("ParseTarget(%q) = (%q, %d, %q), want (%q, %d, %q)",
					tt.target, host, port, path, tt.wantHost, tt.wantPort, tt.wantPath)
			}
		})
	}
}

func TestRequest_Redirect(t *testing.T) {
	headers := NewHeaders()
	headers.Add("Accept", "*/*")

	orig := NewRequest("GET", "cdn.example.com", 80, "/pkg/tool.tar.gz", headers, 7)
	redir := orig.Redirect("mirror.local", 8080, "/pkg/tool.tar.gz")

	if redir.Host != "mirror.local" || redir.Port != 8080 {
		t.Errorf("redirect target = %s:%d, want mirror.local:8080", redir.Host, redir.Port)
	}
	if redir.Method != "GET" {
		t.Errorf("method = %q, want GET", redir.Method)
	}
	if redir.SessionID != 7 {
		t.Errorf("session = %d, want 7", redir.SessionID)
	}
	if redir.Headers != orig.Headers {
		t.Error("headers should carry over to the redirected request")
	}

	// The original is untouched.
	if orig.Host != "cdn.example.com" || orig.Port != 80 {
		t.Errorf("original mutated: %s:%d", orig.Host, orig.Port)
	}
}

func TestRequest_TimedOut(t *testing.T) {
	req := NewRequest("GET", "example.com", 80, "/", nil, 1)
	if req.TimedOut(time.Minute) {
		t.Error("fresh request should not be timed out")
	}

	req.Created = time.Now().Add(-2 * time.Second)
	if !req.TimedOut(time.Second) {
		t.Error("expected timeout after exceeding the window")
	}
}
