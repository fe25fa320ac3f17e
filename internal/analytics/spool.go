package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/terminal-bench/matchpulse/internal/schema"
)

// Spool persists event batches as JSON files while the analytics store
// is unreachable. Files are named so lexical order matches write order.
type Spool struct {
	dir string

	mu  sync.Mutex
	seq uint64
}

// NewSpool creates the spool directory if needed.
func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir %s: %w", dir, err)
	}
	return &Spool{dir: dir}, nil
}

// Write persists one batch as a single spool file.
func (s *Spool) Write(events []*schema.Event) error {
	if len(events) == 0 {
		return nil
	}
	raw, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode spool batch: %w", err)
	}

	s.mu.Lock()
	s.seq++
	name := fmt.Sprintf("spool-%020d-%06d.json", time.Now().UnixNano(), s.seq)
	s.mu.Unlock()

	// Write-then-rename so Drain never reads a partial file.
	tmp := filepath.Join(s.dir, name+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write spool file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit spool file: %w", err)
	}
	return nil
}

// Files returns the committed spool files in write order.
func (s *Spool) Files() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "spool-*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Drain replays each spool file through insert, deleting files as they
// succeed. It stops at the first failure, leaving the remaining files
// for a later attempt, and returns the number of events reinserted.
func (s *Spool) Drain(ctx context.Context, insert func(ctx context.Context, events []*schema.Event) error) (int, error) {
	files, err := s.Files()
	if err != nil {
		return 0, fmt.Errorf("list spool files: %w", err)
	}

	total := 0
	for _, path := range files {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return total, fmt.Errorf("read spool file %s: %w", path, err)
		}
		var events []*schema.Event
		if err := json.Unmarshal(raw, &events); err != nil {
			// A corrupt file would wedge recovery forever; set it aside.
			os.Rename(path, path+".corrupt")
			continue
		}
		if err := insert(ctx, events); err != nil {
			return total, fmt.Errorf("reinsert spool file %s: %w", path, err)
		}
		if err := os.Remove(path); err != nil {
			return total, fmt.Errorf("remove spool file %s: %w", path, err)
		}
		total += len(events)
	}
	return total, nil
}
