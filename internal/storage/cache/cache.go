// Package cache stores run histories as JSON files, one per run id.
package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dotcommander/yagent/internal/proto"
)

const (
	historyDir = "histories"
	fileExt    = ".json"
	shardLen   = 2
)

var errInvalidID = errors.New("invalid id")

// Histories keeps serialized message histories under a base directory,
// sharded by the first characters of the id.
type Histories struct {
	dir string
}

// NewHistories creates the cache directory below baseDir.
func NewHistories(baseDir string) (*Histories, error) {
	dir := filepath.Join(baseDir, historyDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create history cache: %w", err)
	}
	return &Histories{dir: dir}, nil
}

func (h *Histories) path(id string) string {
	if len(id) < shardLen {
		return filepath.Join(h.dir, id+fileExt)
	}
	return filepath.Join(h.dir, id[:shardLen], id+fileExt)
}

// Read loads the history saved under id.
func (h *Histories) Read(id string) ([]proto.Message, error) {
	if id == "" {
		return nil, fmt.Errorf("read history: %w", errInvalidID)
	}
	f, err := os.Open(h.path(id))
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer f.Close() //nolint:errcheck

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	msgs, err := proto.UnmarshalHistory(data)
	if err != nil {
		return nil, fmt.Errorf("read history %s: %w", id, err)
	}
	return msgs, nil
}

// Write replaces the history saved under id. The file is written to a
// temporary name and renamed, so readers never see a partial history.
func (h *Histories) Write(id string, msgs []proto.Message) error {
	if id == "" {
		return fmt.Errorf("write history: %w", errInvalidID)
	}
	data, err := proto.MarshalHistory(msgs)
	if err != nil {
		return fmt.Errorf("write history: %w", err)
	}

	path := h.path(id)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// Delete removes the history saved under id.
func (h *Histories) Delete(id string) error {
	if id == "" {
		return fmt.Errorf("delete history: %w", errInvalidID)
	}
	if err := os.Remove(h.path(id)); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}
