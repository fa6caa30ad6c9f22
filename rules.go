package kalamari

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
)

// Ruleset load errors.
var (
	ErrRulesetFetchFailed = errors.New("ruleset fetch failed")
	ErrRulesetParseFailed = errors.New("ruleset parse failed")
)

// Document is the parsed form of a ruleset document. Blacklist and
// whitelist documents carry the domain/path/misc categories; the cache
// document instead maps regex patterns to redirect targets, kept here in
// document order.
type Document struct {
	Domain []string
	Path   []string
	Misc   []string
	Cache  []CacheRule
}

// CacheRule is one pattern -> redirect-target pair from a cache document.
type CacheRule struct {
	Pattern string
	Target  string
}

// ParseDocument decodes a JSON ruleset document. The keys "domain",
// "path", and "misc" hold string arrays; any other key whose value is a
// string is a cache-redirect entry, preserved in document order.
func ParseDocument(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRulesetParseFailed, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: document is not a JSON object", ErrRulesetParseFailed)
	}

	doc := &Document{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRulesetParseFailed, err)
		}
		key := keyTok.(string)

		switch key {
		case "domain":
			if err := dec.Decode(&doc.Domain); err != nil {
				return nil, fmt.Errorf("%w: domain: %v", ErrRulesetParseFailed, err)
			}
		case "path":
			if err := dec.Decode(&doc.Path); err != nil {
				return nil, fmt.Errorf("%w: path: %v", ErrRulesetParseFailed, err)
			}
		case "misc":
			if err := dec.Decode(&doc.Misc); err != nil {
				return nil, fmt.Errorf("%w: misc: %v", ErrRulesetParseFailed, err)
			}
		default:
			var target string
			if err := dec.Decode(&target); err != nil {
				return nil, fmt.Errorf("%w: entry %q: %v", ErrRulesetParseFailed, key, err)
			}
			doc.Cache = append(doc.Cache, CacheRule{Pattern: key, Target: target})
		}
	}

	return doc, nil
}

// ResourceList matches requests against a blacklist or whitelist document.
// A ResourceList is immutable once built; a refresh builds a new one and
// swaps it into the Engine.
type ResourceList struct {
	domains map[string]struct{}
	pathRe  *regexp.Regexp
	fullRe  *regexp.Regexp
}

// NewResourceList compiles a ResourceList from a document. Missing
// categories never match. An invalid path or misc pattern fails the whole
// build so a refresh can keep the previous list.
func NewResourceList(doc *Document) (*ResourceList, error) {
	rl := &ResourceList{domains: make(map[string]struct{}, len(doc.Domain))}
	for _, d := range doc.Domain {
		rl.domains[strings.ToLower(d)] = struct{}{}
	}

	var err error
	if len(doc.Path) > 0 {
		rl.pathRe, err = compileAnchored(doc.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: path patterns: %v", ErrRulesetParseFailed, err)
		}
	}
	if len(doc.Misc) > 0 {
		rl.fullRe, err = compileAnchored(doc.Misc)
		if err != nil {
			return nil, fmt.Errorf("%w: misc patterns: %v", ErrRulesetParseFailed, err)
		}
	}

	return rl, nil
}

// compileAnchored joins regex fragments into one alternation matched from
// the start of the input.
func compileAnchored(patterns []string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + strings.Join(patterns, "|") + ")")
}

// Check reports whether the request matches the list: its host or any
// dot-separated suffix of the host is in the domain set, or the path
// pattern matches the request path, or the composite pattern matches
// host+path.
func (rl *ResourceList) Check(req *Request) bool {
	host := strings.ToLower(req.Host)
	for h := host; h != ""; {
		if _, ok := rl.domains[h]; ok {
			return true
		}
		i := strings.Index(h, ".")
		if i < 0 {
			break
		}
		h = h[i+1:]
	}

	if rl.pathRe != nil && rl.pathRe.MatchString(req.Path) {
		return true
	}
	if rl.fullRe != nil && rl.fullRe.MatchString(req.Host+req.Path) {
		return true
	}
	return false
}

// Count returns the number of rules in the list.
func (rl *ResourceList) Count() int {
	n := len(rl.domains)
	if rl.pathRe != nil {
		n++
	}
	if rl.fullRe != nil {
		n++
	}
	return n
}

// CacheList maps request patterns to redirect targets. Entries are checked
// in document order and the first match wins.
type CacheList struct {
	entries []cacheEntry
}

type cacheEntry struct {
	re     *regexp.Regexp
	target string
}

// NewCacheList compiles a CacheList from a document. An entry whose
// pattern does not compile is skipped and logged; the rest of the list
// still loads.
func NewCacheList(doc *Document, logger *slog.Logger) *CacheList {
	if logger == nil {
		logger = slog.Default()
	}

	cl := &CacheList{entries: make([]cacheEntry, 0, len(doc.Cache))}
	for _, rule := range doc.Cache {
		re, err := regexp.Compile("^(?:" + rule.Pattern + ")")
		if err != nil {
			logger.Warn("skipping invalid cache rule", "pattern", rule.Pattern, "error", err)
			continue
		}
		cl.entries = append(cl.entries, cacheEntry{re: re, target: rule.Target})
	}
	return cl
}

// Check returns the redirect target of the first entry whose pattern
// matches host+path from the start, or "" when nothing matched.
func (cl *CacheList) Check(req *Request) (string, bool) {
	url := req.Host + req.Path
	for _, e := range cl.entries {
		if e.re.MatchString(url) {
			return e.target, true
		}
	}
	return "", false
}

// Count returns the number of compiled cache entries.
func (cl *CacheList) Count() int {
	return len(cl.entries)
}

// Rulesets is one consistent snapshot of the three lists. A snapshot is
// immutable; the refresher publishes a complete replacement or nothing.
type Rulesets struct {
	Blacklist *ResourceList
	Whitelist *ResourceList
	Cachelist *CacheList
}

// EmptyRulesets returns a snapshot that matches nothing.
func EmptyRulesets() *Rulesets {
	empty, _ := NewResourceList(&Document{})
	return &Rulesets{
		Blacklist: empty,
		Whitelist: empty,
		Cachelist: &CacheList{},
	}
}

// Verdict is the outcome of classifying a request.
type Verdict int

const (
	// VerdictAllow lets the request proceed unmodified.
	VerdictAllow Verdict = iota

	// VerdictBlock rejects the request with 404 Not Found.
	VerdictBlock

	// VerdictRedirect substitutes the request target with a cached copy.
	VerdictRedirect
)

func (v Verdict) String() string {
	switch v {
	case VerdictBlock:
		return "block"
	case VerdictRedirect:
		return "redirect"
	default:
		return "allow"
	}
}

// Engine holds the current Rulesets snapshot and classifies requests
// against it. Readers load one snapshot per check and never block on a
// concurrent reload.
type Engine struct {
	current   atomic.Pointer[Rulesets]
	published atomic.Bool
}

// NewEngine creates an Engine with an empty snapshot.
func NewEngine() *Engine {
	e := &Engine{}
	e.current.Store(EmptyRulesets())
	return e
}

// Snapshot returns the current Rulesets.
func (e *Engine) Snapshot() *Rulesets {
	return e.current.Load()
}

// Publish atomically replaces the current Rulesets.
func (e *Engine) Publish(rs *Rulesets) {
	e.current.Store(rs)
	e.published.Store(true)
}

// Loaded reports whether a snapshot has ever been published. The empty
// snapshot an Engine starts with does not count.
func (e *Engine) Loaded() bool {
	return e.published.Load()
}

// Classify applies whitelist, blacklist, and cache-redirect rules in that
// order against a single snapshot. A whitelist match skips the blacklist
// but requests still flow through the cache list; the redirect target is
// non-empty only for VerdictRedirect.
func (e *Engine) Classify(req *Request) (Verdict, string) {
	rs := e.Snapshot()

	if !rs.Whitelist.Check(req) && rs.Blacklist.Check(req) {
		return VerdictBlock, ""
	}
	if target, ok := rs.Cachelist.Check(req); ok {
		return VerdictRedirect, target
	}
	return VerdictAllow, ""
}
