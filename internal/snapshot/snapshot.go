// Package snapshot saves and restores the set of live timers as gob files.
package snapshot

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNoSnapshot is returned by Latest when the directory holds no snapshot.
var ErrNoSnapshot = errors.New("snapshot: no snapshot")

// TimerEntry is one live timer.
type TimerEntry struct {
	Key        string
	DeadlineMs int64
}

// Snapshot is the full timer state captured at a moment in time.
type Snapshot struct {
	ID        string
	CreatedAt time.Time
	Timers    []TimerEntry
}

// Meta describes a snapshot without loading the full data.
type Meta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
	FilePath  string    `json:"file_path"`
}

const ext = ".snap"

// Manager handles snapshot files in a directory.
type Manager struct {
	dir string
}

// NewManager creates a Manager that stores snapshots in dir.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: mkdir %s: %w", dir, err)
	}
	return &Manager{dir: dir}, nil
}

// Create writes snap to disk and returns its metadata. The file is written
// under a temporary name and renamed, so a crash never leaves a torn
// snapshot behind. IDs default to a zero-padded nanosecond timestamp, so
// lexical order is creation order.
func (m *Manager) Create(snap *Snapshot) (Meta, error) {
	now := time.Now()
	if snap.ID == "" {
		snap.ID = fmt.Sprintf("timers-%020d", now.UnixNano())
	}
	snap.CreatedAt = now

	path := filepath.Join(m.dir, snap.ID+ext)
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return Meta{}, fmt.Errorf("snapshot: create file: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(snap); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return Meta{}, fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return Meta{}, fmt.Errorf("snapshot: sync: %w", err)
	}
	info, err := f.Stat()
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return Meta{}, fmt.Errorf("snapshot: stat: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return Meta{}, fmt.Errorf("snapshot: rename: %w", err)
	}

	return Meta{
		ID:        snap.ID,
		CreatedAt: snap.CreatedAt,
		SizeBytes: info.Size(),
		FilePath:  path,
	}, nil
}

// List returns metadata for all snapshots, newest first.
func (m *Manager) List() ([]Meta, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list dir: %w", err)
	}

	var metas []Meta
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		metas = append(metas, Meta{
			ID:        strings.TrimSuffix(e.Name(), ext),
			CreatedAt: info.ModTime(),
			SizeBytes: info.Size(),
			FilePath:  filepath.Join(m.dir, e.Name()),
		})
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].ID > metas[j].ID
	})
	return metas, nil
}

// Load reads and decodes a snapshot by ID.
func (m *Manager) Load(id string) (*Snapshot, error) {
	f, err := os.Open(filepath.Join(m.dir, id+ext))
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", id, err)
	}
	defer f.Close()

	var snap Snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("snapshot: decode %s: %w", id, err)
	}
	return &snap, nil
}

// Latest loads the newest snapshot, or returns ErrNoSnapshot.
func (m *Manager) Latest() (*Snapshot, error) {
	metas, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, ErrNoSnapshot
	}
	return m.Load(metas[0].ID)
}

// Prune deletes all but the newest keep snapshots.
func (m *Manager) Prune(keep int) error {
	metas, err := m.List()
	if err != nil {
		return err
	}
	for i := keep; i < len(metas); i++ {
		if err := m.Delete(metas[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a snapshot file by ID.
func (m *Manager) Delete(id string) error {
	if err := os.Remove(filepath.Join(m.dir, id+ext)); err != nil {
		return fmt.Errorf("snapshot: delete %s: %w", id, err)
	}
	return nil
}
