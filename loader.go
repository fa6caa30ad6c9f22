package kalamari

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/gzip"
)

// ListSource produces a ruleset document for one list. Sources are polled
// by the Refresher and must be safe for repeated use.
type ListSource interface {
	// Fetch retrieves and parses the document.
	Fetch(ctx context.Context) (*Document, error)

	// String describes the source for logs.
	String() string
}

// URLSource fetches a ruleset document over HTTP. It advertises gzip and
// brotli support and transparently decodes the response body.
type URLSource struct {
	// URL of the ruleset document.
	URL string

	// Client for HTTP requests (http.DefaultClient if nil).
	Client *http.Client
}

// NewURLSource creates a source that fetches a document from a URL.
func NewURLSource(url string) *URLSource {
	return &URLSource{URL: url}
}

// Fetch implements ListSource.
func (s *URLSource) Fetch(ctx context.Context) (*Document, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRulesetFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, br")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRulesetFetchFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d from %s", ErrRulesetFetchFailed, resp.StatusCode, s.URL)
	}

	body, err := decodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRulesetFetchFailed, err)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRulesetFetchFailed, err)
	}

	return ParseDocument(data)
}

func (s *URLSource) String() string {
	return s.URL
}

// decodeBody wraps the response body with the decoder matching its
// Content-Encoding.
func decodeBody(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

// FileSource reads a ruleset document from the local filesystem. File
// sources can additionally be watched for changes by the Refresher.
type FileSource struct {
	// Path of the document file.
	Path string
}

// NewFileSource creates a source reading a document file from disk.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Fetch implements ListSource.
func (s *FileSource) Fetch(_ context.Context) (*Document, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRulesetFetchFailed, err)
	}
	return ParseDocument(data)
}

func (s *FileSource) String() string {
	return s.Path
}

// StaticSource returns a fixed document. Useful for tests and for lists
// defined inline in configuration.
type StaticSource struct {
	Doc *Document
}

// NewStaticSource creates a source returning the given document.
func NewStaticSource(doc *Document) *StaticSource {
	return &StaticSource{Doc: doc}
}

// Fetch implements ListSource.
func (s *StaticSource) Fetch(_ context.Context) (*Document, error) {
	if s.Doc == nil {
		return &Document{}, nil
	}
	return s.Doc, nil
}

func (s *StaticSource) String() string {
	return "static"
}

// PostgresSource loads a ruleset document from a PostgreSQL table.
//
// Required table schema:
//
//	CREATE TABLE proxy_rules (
//	    id SERIAL PRIMARY KEY,
//	    list VARCHAR(16) NOT NULL CHECK (list IN ('blacklist', 'whitelist', 'cachelist')),
//	    kind VARCHAR(10) NOT NULL CHECK (kind IN ('domain', 'path', 'misc', 'cache')),
//	    pattern VARCHAR(500) NOT NULL,
//	    target VARCHAR(500),
//	    enabled BOOLEAN DEFAULT true
//	);
//
// Cache rows carry the redirect target; other kinds leave it NULL. Rows
// are applied in id order so cache entries keep their precedence.
type PostgresSource struct {
	DB *sqlx.DB

	// List selects which rows to load: "blacklist", "whitelist", or
	// "cachelist".
	List string
}

type ruleRow struct {
	Kind    string  `db:"kind"`
	Pattern string  `db:"pattern"`
	Target  *string `db:"target"`
}

// NewPostgresSource creates a source backed by a proxy_rules table.
func NewPostgresSource(db *sqlx.DB, list string) *PostgresSource {
	return &PostgresSource{DB: db, List: list}
}

// Fetch implements ListSource.
func (s *PostgresSource) Fetch(ctx context.Context) (*Document, error) {
	const query = `
		SELECT kind, pattern, target
		FROM proxy_rules
		WHERE list = $1 AND enabled = true
		ORDER BY id
	`

	var rows []ruleRow
	if err := s.DB.SelectContext(ctx, &rows, query, s.List); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRulesetFetchFailed, err)
	}

	doc := &Document{}
	for _, row := range rows {
		switch row.Kind {
		case "domain":
			doc.Domain = append(doc.Domain, row.Pattern)
		case "path":
			doc.Path = append(doc.Path, row.Pattern)
		case "misc":
			doc.Misc = append(doc.Misc, row.Pattern)
		case "cache":
			target := ""
			if row.Target != nil {
				target = *row.Target
			}
			doc.Cache = append(doc.Cache, CacheRule{Pattern: row.Pattern, Target: target})
		}
	}

	return doc, nil
}

func (s *PostgresSource) String() string {
	return "postgres:" + s.List
}

// OpenPostgres connects to PostgreSQL and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}
