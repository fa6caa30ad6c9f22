package kalamari

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type failingSource struct{}

func (failingSource) Fetch(context.Context) (*Document, error) {
	return nil, errors.New("source down")
}

func (failingSource) String() string { return "failing" }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRefresher_Reload(t *testing.T) {
	engine := NewEngine()
	r := &Refresher{
		Engine:    engine,
		Blacklist: NewStaticSource(&Document{Domain: []string{"blocked.test"}}),
		Whitelist: NewStaticSource(&Document{Domain: []string{"allowed.test"}}),
		Cachelist: NewStaticSource(&Document{Cache: []CacheRule{{Pattern: `cdn\.test/.*`, Target: "mirror.local"}}}),
		Logger:    discardLogger(),
	}

	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if verdict, _ := engine.Classify(testRequest("blocked.test", "/")); verdict != VerdictBlock {
		t.Error("blacklist not published")
	}
	if verdict, target := engine.Classify(testRequest("cdn.test", "/x")); verdict != VerdictRedirect || target != "mirror.local" {
		t.Errorf("cachelist not published: (%v, %q)", verdict, target)
	}
}

func TestRefresher_Reload_AllOrNothing(t *testing.T) {
	engine := NewEngine()
	good := NewStaticSource(&Document{Domain: []string{"blocked.test"}})

	// First load succeeds.
	r := &Refresher{
		Engine:    engine,
		Blacklist: good,
		Whitelist: NewStaticSource(nil),
		Cachelist: NewStaticSource(nil),
		Logger:    discardLogger(),
	}
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("initial Reload failed: %v", err)
	}

	// A failing cachelist aborts the whole refresh; the previous
	// snapshot stays live, blacklist included.
	r.Cachelist = failingSource{}
	r.Blacklist = NewStaticSource(&Document{})
	if err := r.Reload(context.Background()); err == nil {
		t.Fatal("Reload with a failing source should error")
	}

	if verdict, _ := engine.Classify(testRequest("blocked.test", "/")); verdict != VerdictBlock {
		t.Error("previous snapshot was replaced despite the failed refresh")
	}
}

func TestRefresher_Reload_BadDocumentKeepsPrevious(t *testing.T) {
	engine := NewEngine()
	r := &Refresher{
		Engine:    engine,
		Blacklist: NewStaticSource(&Document{Domain: []string{"blocked.test"}}),
		Whitelist: NewStaticSource(nil),
		Cachelist: NewStaticSource(nil),
		Logger:    discardLogger(),
	}
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("initial Reload failed: %v", err)
	}

	// An uncompilable blacklist pattern fails the build.
	r.Blacklist = NewStaticSource(&Document{Path: []string{"[unclosed"}})
	if err := r.Reload(context.Background()); !errors.Is(err, ErrRulesetParseFailed) {
		t.Fatalf("error = %v, want ErrRulesetParseFailed", err)
	}
	if verdict, _ := engine.Classify(testRequest("blocked.test", "/")); verdict != VerdictBlock {
		t.Error("previous snapshot was replaced despite the bad document")
	}
}

func TestRefresher_OnReload(t *testing.T) {
	var got *Rulesets
	r := &Refresher{
		Engine:    NewEngine(),
		Blacklist: NewStaticSource(nil),
		Whitelist: NewStaticSource(nil),
		Cachelist: NewStaticSource(nil),
		Logger:    discardLogger(),
		OnReload:  func(rs *Rulesets) { got = rs },
	}

	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got == nil {
		t.Fatal("OnReload not called")
	}
	if got != r.Engine.Snapshot() {
		t.Error("OnReload snapshot differs from the published one")
	}
}

func TestRefresher_FileWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blacklist.json")
	if err := os.WriteFile(path, []byte(`{"domain": [], "path": [], "misc": []}`), 0644); err != nil {
		t.Fatal(err)
	}

	engine := NewEngine()
	r := &Refresher{
		Engine:    engine,
		Blacklist: NewFileSource(path),
		Whitelist: NewStaticSource(nil),
		Cachelist: NewStaticSource(nil),
		Logger:    discardLogger(),
	}
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("initial Reload failed: %v", err)
	}

	cancel := r.Start(context.Background())
	defer cancel()

	// Give the watcher time to register before modifying the file.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"domain": ["added.test"], "path": [], "misc": []}`), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if verdict, _ := engine.Classify(testRequest("added.test", "/")); verdict == VerdictBlock {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("file change did not trigger a reload")
}

func TestRefresher_PeriodicRefresh(t *testing.T) {
	engine := NewEngine()
	r := &Refresher{
		Engine:    engine,
		Blacklist: NewStaticSource(&Document{Domain: []string{"ticked.test"}}),
		Whitelist: NewStaticSource(nil),
		Cachelist: NewStaticSource(nil),
		Interval:  30 * time.Millisecond,
		Logger:    discardLogger(),
	}

	cancel := r.Start(context.Background())
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if verdict, _ := engine.Classify(testRequest("ticked.test", "/")); verdict == VerdictBlock {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("periodic refresh never fired")
}
