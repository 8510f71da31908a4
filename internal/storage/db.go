// Package storage keeps the index of saved agent runs.
package storage

import (
	"bufio"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/dotcommander/yagent/internal/usage"
)

var (
	// ErrNoMatches is returned when no run matches the query.
	ErrNoMatches = errors.New("no runs found")
	// ErrManyMatches is returned when a query matches more than one run.
	ErrManyMatches = errors.New("multiple runs matched the input")
)

const (
	indexFileName = "runs.jsonl"
	lockFileName  = "runs.lock"
	memoryDSN     = ":memory:"

	compactMinOps = 256
	compactFactor = 4
)

const (
	opPut    = "put"
	opDelete = "delete"
)

// Run is one entry of the index. The history itself lives in the cache.
type Run struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	API         string    `json:"api,omitempty"`
	Model       string    `json:"model,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	Messages    int       `json:"messages,omitempty"`
	Requests    int       `json:"requests,omitempty"`
	TotalTokens int       `json:"total_tokens,omitempty"`
}

// WithUsage adds the request and token counts of u to r.
func (r Run) WithUsage(u usage.Usage) Run {
	r.Requests += u.Requests
	r.TotalTokens += u.TotalTokens
	return r
}

type event struct {
	Op  string `json:"op"`
	ID  string `json:"id,omitempty"`
	Run *Run   `json:"run,omitempty"`
}

// DB is an append-only JSONL index of runs. Writers from several processes
// are serialized with a file lock; the in-memory view is rebuilt on Open.
type DB struct {
	mu      sync.RWMutex
	path    string
	lock    *flock.Flock
	runs    map[string]Run
	ops     int
	tempDir string
	now     func() time.Time
}

// Open loads the index kept in dir. The special value ":memory:" uses a
// temporary directory removed by Close.
func Open(dir string) (*DB, error) {
	var tempDir string
	if dir == memoryDSN {
		d, err := os.MkdirTemp("", "yagent-runs-*")
		if err != nil {
			return nil, fmt.Errorf("open index: %w", err)
		}
		dir, tempDir = d, d
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	db := &DB{
		path:    filepath.Join(dir, indexFileName),
		lock:    flock.New(filepath.Join(dir, lockFileName)),
		runs:    map[string]Run{},
		tempDir: tempDir,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err := db.load(); err != nil {
		return nil, err
	}
	return db, nil
}

// Close removes the temporary directory of a ":memory:" index.
func (db *DB) Close() error {
	if db.tempDir == "" {
		return nil
	}
	if err := os.RemoveAll(db.tempDir); err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	return nil
}

// Save inserts or replaces run, stamping its UpdatedAt.
func (db *DB) Save(run Run) error {
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("save run: empty id")
	}
	if strings.TrimSpace(run.Title) == "" {
		return errors.New("save run: empty title")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	run.UpdatedAt = db.now()
	db.runs[run.ID] = run
	if err := db.appendLocked(event{Op: opPut, Run: &run}); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return db.maybeCompactLocked()
}

// Delete removes a run; unknown ids are ignored.
func (db *DB) Delete(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("delete run: empty id")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.runs[id]; !ok {
		return nil
	}
	delete(db.runs, id)
	if err := db.appendLocked(event{Op: opDelete, ID: id}); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return db.maybeCompactLocked()
}

// List returns every run, most recently updated first.
func (db *DB) List() []Run {
	return db.filter(func(Run) bool { return true })
}

// ListOlderThan returns runs not updated within d.
func (db *DB) ListOlderThan(d time.Duration) []Run {
	cutoff := db.now().Add(-d)
	return db.filter(func(r Run) bool { return r.UpdatedAt.Before(cutoff) })
}

// Latest returns the most recently updated run.
func (db *DB) Latest() (*Run, error) {
	list := db.List()
	if len(list) == 0 {
		return nil, fmt.Errorf("latest run: %w", ErrNoMatches)
	}
	return &list[0], nil
}

// Find resolves a run by id prefix or exact title. Inputs shorter than
// IDMinLen only match titles.
func (db *DB) Find(in string) (*Run, error) {
	matches := db.filter(func(r Run) bool {
		if r.Title == in {
			return true
		}
		return len(in) >= IDMinLen && strings.HasPrefix(r.ID, in)
	})
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNoMatches, in)
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrManyMatches, in)
	}
}

// Completions returns "<candidate>\t<description>" pairs for shell
// completion, matching id and title prefixes.
func (db *DB) Completions(in string) []string {
	seen := map[string]struct{}{}

	db.mu.RLock()
	for _, r := range db.runs {
		if strings.HasPrefix(r.ID, in) {
			id := r.ID
			if len(in) < IDShort {
				id = ShortID(id)
			}
			seen[id+"\t"+r.Title] = struct{}{}
		}
		if strings.HasPrefix(r.Title, in) {
			seen[r.Title+"\t"+ShortID(r.ID)] = struct{}{}
		}
	}
	db.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

func (db *DB) filter(keep func(Run) bool) []Run {
	db.mu.RLock()
	out := make([]Run, 0, len(db.runs))
	for _, r := range db.runs {
		if keep(r) {
			out = append(out, r)
		}
	}
	db.mu.RUnlock()

	slices.SortFunc(out, newestFirst)
	return out
}

func newestFirst(a, b Run) int {
	if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func (db *DB) withFileLock(fn func() error) error {
	if err := db.lock.Lock(); err != nil {
		return fmt.Errorf("lock index: %w", err)
	}
	defer func() { _ = db.lock.Unlock() }()
	return fn()
}

func (db *DB) load() error {
	return db.withFileLock(func() error {
		f, err := os.Open(db.path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer f.Close() //nolint:errcheck

		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for line := 1; sc.Scan(); line++ {
			text := strings.TrimSpace(sc.Text())
			if text == "" {
				continue
			}
			var evt event
			if err := json.Unmarshal([]byte(text), &evt); err != nil {
				return fmt.Errorf("index line %d: %w", line, err)
			}
			if err := db.apply(evt); err != nil {
				return fmt.Errorf("index line %d: %w", line, err)
			}
			db.ops++
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("read index: %w", err)
		}
		return nil
	})
}

func (db *DB) apply(evt event) error {
	switch evt.Op {
	case opPut:
		if evt.Run == nil || strings.TrimSpace(evt.Run.ID) == "" {
			return errors.New("put event without a run id")
		}
		db.runs[evt.Run.ID] = *evt.Run
	case opDelete:
		if strings.TrimSpace(evt.ID) == "" {
			return errors.New("delete event without an id")
		}
		delete(db.runs, evt.ID)
	default:
		return fmt.Errorf("unknown event op %q", evt.Op)
	}
	return nil
}

func (db *DB) appendLocked(evt event) error {
	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	line = append(line, '\n')

	return db.withFileLock(func() error {
		f, err := os.OpenFile(db.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		if _, err := f.Write(line); err != nil {
			_ = f.Close()
			return fmt.Errorf("write index: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("sync index: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close index: %w", err)
		}
		db.ops++
		return nil
	})
}

// maybeCompactLocked rewrites the log once it holds compactFactor times
// more events than live runs.
func (db *DB) maybeCompactLocked() error {
	if db.ops < compactMinOps || db.ops < len(db.runs)*compactFactor {
		return nil
	}
	if err := db.withFileLock(db.compactLocked); err != nil {
		return fmt.Errorf("compact index: %w", err)
	}
	return nil
}

func (db *DB) compactLocked() error {
	runs := make([]Run, 0, len(db.runs))
	for _, r := range db.runs {
		runs = append(runs, r)
	}
	// oldest first so replay order matches history
	slices.SortFunc(runs, func(a, b Run) int { return newestFirst(b, a) })

	tmp := db.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for i := range runs {
		if err := enc.Encode(event{Op: opPut, Run: &runs[i]}); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, db.path); err != nil {
		return err
	}
	if d, err := os.Open(filepath.Dir(db.path)); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	db.ops = len(runs)
	return nil
}
