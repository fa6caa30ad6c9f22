package kalamari

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultRefreshInterval is how often rulesets are re-fetched when no
// interval is configured.
const DefaultRefreshInterval = 12 * time.Hour

// Refresher periodically rebuilds the blacklist, whitelist, and cache
// list from their sources and publishes them to the Engine as one atomic
// snapshot. A failure fetching or parsing any of the three aborts that
// tick; the previous snapshot stays live.
type Refresher struct {
	Engine *Engine

	// Blacklist, Whitelist, and Cachelist are the three document sources.
	Blacklist ListSource
	Whitelist ListSource
	Cachelist ListSource

	// Interval between refresh ticks. An interval <= 0 disables the
	// periodic loop; file watching and SIGHUP reloads stay active.
	Interval time.Duration

	// Logger for refresh events.
	Logger *slog.Logger

	// Metrics records reload outcomes (optional).
	Metrics *Metrics

	// OnReload is called after each successful reload (optional).
	OnReload func(rs *Rulesets)
}

// Reload fetches all three documents, compiles them, and publishes the
// new snapshot. On any error the Engine is left untouched.
func (r *Refresher) Reload(ctx context.Context) error {
	blackDoc, err := r.Blacklist.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("blacklist %s: %w", r.Blacklist, err)
	}
	whiteDoc, err := r.Whitelist.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("whitelist %s: %w", r.Whitelist, err)
	}
	cacheDoc, err := r.Cachelist.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("cachelist %s: %w", r.Cachelist, err)
	}

	blacklist, err := NewResourceList(blackDoc)
	if err != nil {
		return fmt.Errorf("blacklist %s: %w", r.Blacklist, err)
	}
	whitelist, err := NewResourceList(whiteDoc)
	if err != nil {
		return fmt.Errorf("whitelist %s: %w", r.Whitelist, err)
	}
	cachelist := NewCacheList(cacheDoc, r.logger())

	rs := &Rulesets{
		Blacklist: blacklist,
		Whitelist: whitelist,
		Cachelist: cachelist,
	}
	r.Engine.Publish(rs)

	if r.Metrics != nil {
		r.Metrics.RecordListReload()
	}
	if r.OnReload != nil {
		r.OnReload(rs)
	}

	r.logger().Info("rulesets reloaded",
		"blacklist", blacklist.Count(),
		"whitelist", whitelist.Count(),
		"cachelist", cachelist.Count())
	return nil
}

// Start launches the periodic refresh loop plus change watchers. It
// returns a cancel function that stops all of them.
func (r *Refresher) Start(ctx context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	if r.Interval > 0 {
		go r.runTicker(ctx, r.Interval)
	}
	go r.runSignal(ctx)
	if paths := r.watchPaths(); len(paths) > 0 {
		go r.runWatcher(ctx, paths)
	}

	return cancel
}

func (r *Refresher) runTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reloadLogged(ctx)
		}
	}
}

// runSignal reloads the rulesets on SIGHUP without restarting the proxy.
func (r *Refresher) runSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			r.logger().Info("received SIGHUP, reloading rulesets")
			r.reloadLogged(ctx)
		}
	}
}

// watchPaths collects the filesystem paths of any file-backed sources.
func (r *Refresher) watchPaths() []string {
	var paths []string
	for _, src := range []ListSource{r.Blacklist, r.Whitelist, r.Cachelist} {
		if fs, ok := src.(*FileSource); ok {
			paths = append(paths, fs.Path)
		}
	}
	return paths
}

// runWatcher reloads the rulesets when a file-backed source changes on
// disk. Watch setup failures are logged and watching is skipped; the
// interval loop still covers those sources.
func (r *Refresher) runWatcher(ctx context.Context, paths []string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger().Warn("ruleset file watch unavailable", "error", err)
		return
	}
	defer func() { _ = watcher.Close() }()

	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			r.logger().Warn("cannot watch ruleset file", "path", path, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			r.logger().Info("ruleset file changed, reloading", "path", event.Name)
			r.reloadLogged(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger().Warn("ruleset file watch error", "error", err)
		}
	}
}

func (r *Refresher) reloadLogged(ctx context.Context) {
	if err := r.Reload(ctx); err != nil {
		r.logger().Error("ruleset reload failed, keeping previous rulesets", "error", err)
		if r.Metrics != nil {
			r.Metrics.RecordListReloadError()
		}
	}
}

func (r *Refresher) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
