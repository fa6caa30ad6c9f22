package kalamari

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

const testDocJSON = `{
	"domain": ["ads.example.com"],
	"path": [],
	"misc": [],
	"cdn\\.test/.*": "mirror.local"
}`

func TestURLSource_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept-Encoding"); got != "gzip, br" {
			t.Errorf("Accept-Encoding = %q, want gzip, br", got)
		}
		_, _ = w.Write([]byte(testDocJSON))
	}))
	defer server.Close()

	src := NewURLSource(server.URL)
	doc, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if len(doc.Domain) != 1 || doc.Domain[0] != "ads.example.com" {
		t.Errorf("unexpected domains: %v", doc.Domain)
	}
	if len(doc.Cache) != 1 || doc.Cache[0].Target != "mirror.local" {
		t.Errorf("unexpected cache entries: %v", doc.Cache)
	}
}

func TestURLSource_Fetch_Gzip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzip.NewWriter(w)
		_, _ = gw.Write([]byte(testDocJSON))
		_ = gw.Close()
	}))
	defer server.Close()

	doc, err := NewURLSource(server.URL).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(doc.Domain) != 1 {
		t.Errorf("unexpected domains: %v", doc.Domain)
	}
}

func TestURLSource_Fetch_Brotli(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		_, _ = bw.Write([]byte(testDocJSON))
		_ = bw.Close()
	}))
	defer server.Close()

	doc, err := NewURLSource(server.URL).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(doc.Domain) != 1 {
		t.Errorf("unexpected domains: %v", doc.Domain)
	}
}

func TestURLSource_Fetch_BadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := NewURLSource(server.URL).Fetch(context.Background())
	if !errors.Is(err, ErrRulesetFetchFailed) {
		t.Fatalf("error = %v, want ErrRulesetFetchFailed", err)
	}
}

func TestURLSource_Fetch_Unreachable(t *testing.T) {
	src := NewURLSource("http://127.0.0.1:1/unreachable")
	if _, err := src.Fetch(context.Background()); !errors.Is(err, ErrRulesetFetchFailed) {
		t.Fatalf("error = %v, want ErrRulesetFetchFailed", err)
	}
}

func TestFileSource_Fetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blacklist.json")
	if err := os.WriteFile(path, []byte(testDocJSON), 0644); err != nil {
		t.Fatal(err)
	}

	src := NewFileSource(path)
	doc, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(doc.Domain) != 1 {
		t.Errorf("unexpected domains: %v", doc.Domain)
	}
	if src.String() != path {
		t.Errorf("String() = %q, want %q", src.String(), path)
	}
}

func TestFileSource_Fetch_Missing(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "missing.json"))
	if _, err := src.Fetch(context.Background()); !errors.Is(err, ErrRulesetFetchFailed) {
		t.Fatalf("error = %v, want ErrRulesetFetchFailed", err)
	}
}

func TestStaticSource_Fetch(t *testing.T) {
	doc := &Document{Domain: []string{"a.test"}}
	got, err := NewStaticSource(doc).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if got != doc {
		t.Error("expected the configured document back")
	}

	empty, err := NewStaticSource(nil).Fetch(context.Background())
	if err != nil || empty == nil {
		t.Fatalf("nil-doc source = (%v, %v), want empty document", empty, err)
	}
}
