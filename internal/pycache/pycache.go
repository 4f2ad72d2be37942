// Package pycache implements a content-hash-keyed cache of parsed scope
// trees (spec.md §3: "ScopeTrees are derived on demand (cacheable)"),
// persisted across process runs so re-replaying overlapping commit ranges
// does not re-parse identical file contents.
//
// Grounded on the teacher's internal/store/store.go Open/OpenPath/
// OpenMemory pattern (WAL pragma, a dedicated cache directory under
// os.UserHomeDir), narrowed from a multi-table graph store to a single
// content-hash -> serialized-module table. Serializing a JModule into a
// SQLite TEXT column via encoding/json mirrors the teacher's own
// Node.Properties marshaling in internal/store/nodes.go.
package pycache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/DeusData/c3flow/internal/ppath"
	"github.com/DeusData/c3flow/internal/pyscope"
	"github.com/zeebo/xxh3"
)

// Cache wraps a SQLite connection storing source-hash -> serialized
// JModule mappings, so a cache hit skips both the tree-sitter parse and
// the scope-tree walk entirely.
type Cache struct {
	db     *sql.DB
	dbPath string
}

func cacheDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	dir := filepath.Join(home, ".cache", "c3flow")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir cache: %w", err)
	}
	return dir, nil
}

// Open opens or creates the default on-disk cache database.
func Open() (*Cache, error) {
	dir, err := cacheDir()
	if err != nil {
		return nil, err
	}
	return OpenPath(filepath.Join(dir, "pycache.db"))
}

// OpenPath opens a cache database at an explicit path.
func OpenPath(dbPath string) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	c := &Cache{db: db, dbPath: dbPath}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return c, nil
}

// OpenMemory opens an in-memory cache (for testing).
func OpenMemory() (*Cache, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	c := &Cache{db: db, dbPath: ":memory:"}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return c, nil
}

func (c *Cache) initSchema() error {
	_, err := c.db.Exec(`
	CREATE TABLE IF NOT EXISTS parsed_modules (
		content_hash TEXT PRIMARY KEY,
		module       TEXT NOT NULL,
		body         TEXT NOT NULL
	);`)
	return err
}

// Close closes the underlying connection.
func (c *Cache) Close() error { return c.db.Close() }

// DBPath returns the path of the backing database (":memory:" for an
// in-memory cache).
func (c *Cache) DBPath() string { return c.dbPath }

func hashSource(module ppath.ModulePath, source []byte) string {
	h := xxh3.New()
	h.WriteString(string(module))
	h.Write([]byte{0})
	h.Write(source)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Get returns the cached JModule for (module, source), if present.
func (c *Cache) Get(module ppath.ModulePath, source []byte) (*pyscope.JModule, bool, error) {
	key := hashSource(module, source)
	var body string
	err := c.db.QueryRow(`SELECT body FROM parsed_modules WHERE content_hash = ?`, key).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pycache lookup: %w", err)
	}
	var dto moduleDTO
	if err := json.Unmarshal([]byte(body), &dto); err != nil {
		return nil, false, fmt.Errorf("pycache decode: %w", err)
	}
	return dto.toModule(), true, nil
}

// Put stores mod under (module, source)'s content hash.
func (c *Cache) Put(module ppath.ModulePath, source []byte, mod *pyscope.JModule) error {
	key := hashSource(module, source)
	body, err := json.Marshal(fromModule(mod))
	if err != nil {
		return fmt.Errorf("pycache encode: %w", err)
	}
	_, err = c.db.Exec(`INSERT OR REPLACE INTO parsed_modules (content_hash, module, body) VALUES (?, ?, ?)`, key, string(module), body)
	if err != nil {
		return fmt.Errorf("pycache store: %w", err)
	}
	return nil
}

// scopeDTO is ScopeTree's JSON-serializable mirror: ScopeTree keeps its
// subscope map/order unexported, so round-tripping goes through this DTO
// and pyscope.Reconstruct rather than json-tagging ScopeTree directly.
type scopeDTO struct {
	Module string
	Inner  string
	Kind   pyscope.Kind
	Header pyscope.LineRange
	Spans  []pyscope.StatementSpan
	Subs   []scopeDTO
}

func fromScope(s *pyscope.ScopeTree) scopeDTO {
	subs := make([]scopeDTO, 0, len(s.Subscopes()))
	for _, sub := range s.Subscopes() {
		subs = append(subs, fromScope(sub))
	}
	return scopeDTO{
		Module: string(s.Path.Module),
		Inner:  s.Path.Inner,
		Kind:   s.Kind,
		Header: s.HeaderLineRange,
		Spans:  s.Spans,
		Subs:   subs,
	}
}

func (d scopeDTO) toScope() *pyscope.ScopeTree {
	subs := make([]*pyscope.ScopeTree, 0, len(d.Subs))
	for _, sub := range d.Subs {
		subs = append(subs, sub.toScope())
	}
	path := ppath.ProjectPath{Module: ppath.ModulePath(d.Module), Inner: d.Inner}
	return pyscope.Reconstruct(path, d.Kind, d.Header, d.Spans, subs)
}

type moduleDTO struct {
	ModuleName    string
	Scope         scopeDTO
	ImportedNames []string
	ImportSources map[string]string
}

func fromModule(mod *pyscope.JModule) moduleDTO {
	sources := make(map[string]string, len(mod.ImportSources))
	for k, v := range mod.ImportSources {
		sources[k] = string(v)
	}
	return moduleDTO{
		ModuleName:    string(mod.ModuleName),
		Scope:         fromScope(mod.Scope),
		ImportedNames: mod.ImportedNames,
		ImportSources: sources,
	}
}

func (d moduleDTO) toModule() *pyscope.JModule {
	sources := make(map[string]ppath.ModulePath, len(d.ImportSources))
	for k, v := range d.ImportSources {
		sources[k] = ppath.ModulePath(v)
	}
	return &pyscope.JModule{
		ModuleName:    ppath.ModulePath(d.ModuleName),
		Scope:         d.Scope.toScope(),
		ImportedNames: d.ImportedNames,
		ImportSources: sources,
	}
}
