// Package sqlite provides the SQLite database connection factory.
// Uses modernc.org/sqlite — a pure-Go SQLite driver (no CGO required).
package sqlite

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	sqlite3 "modernc.org/sqlite"
)

func init() {
	// SQLite rewrites `text REGEXP pattern` to regexp(pattern, text).
	// Registered once for all connections; the regex engine relies on this for
	// database-side candidate selection without streaming every chunk into Go.
	sqlite3.MustRegisterDeterministicScalarFunction("regexp", 2, regexpFunc)
}

// regexpCache memoizes compiled patterns across rows of a single scan.
var regexpCache sync.Map // pattern string -> *regexp.Regexp

// regexpFunc implements the SQL regexp(pattern, text) function.
// Returns 1 when text matches pattern, 0 otherwise; an invalid pattern is a
// query error (surfaced to the caller, never silently false).
func regexpFunc(_ *sqlite3.FunctionContext, args []driver.Value) (driver.Value, error) {
	pattern, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("regexp: pattern must be TEXT")
	}
	text, ok := args[1].(string)
	if !ok {
		// NULL or non-text column value never matches.
		return int64(0), nil
	}

	var re *regexp.Regexp
	if cached, hit := regexpCache.Load(pattern); hit {
		re = cached.(*regexp.Regexp)
	} else {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("regexp: %w", err)
		}
		regexpCache.Store(pattern, compiled)
		re = compiled
	}

	if re.MatchString(text) {
		return int64(1), nil
	}
	return int64(0), nil
}

// NewDB opens (or creates) a SQLite database at path and configures it for
// production use:
//   - WAL journal mode (concurrent reads during writes)
//   - Foreign key enforcement (off by default in SQLite)
//   - 5-second busy timeout (prevents SQLITE_BUSY under burst writes)
//   - Synchronous=NORMAL (safe and faster than FULL under WAL)
//
// Use ":memory:" as path for in-memory databases in tests.
// Returns an error if the parent directory does not exist (will not create it).
func NewDB(path string) (*sql.DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return nil, fmt.Errorf("sqlite.NewDB: parent directory %q does not exist", dir)
		}
	}

	// PRAGMAs applied at connection time via DSN query parameters.
	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" + // 64MB page cache (negative = KB)
		"&_pragma=temp_store(MEMORY)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite.NewDB: open %q: %w", path, err)
	}

	// WAL allows concurrent readers; writers are serialized by SQLite itself.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite.NewDB: ping %q: %w", path, err)
	}

	return db, nil
}
