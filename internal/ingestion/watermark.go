package ingestion

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tapline-io/tapline/internal/canonicalization"
)

// BeginningOfTime is the sentinel watermark for a source with no prior state.
// A first run reads everything: every real transaction timestamp is after it.
var BeginningOfTime = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

type (
	// WatermarkStore persists, per source, the maximum successfully-ingested
	// event timestamp. It is a dumb key-value store: monotonicity is enforced by
	// the caller, which only writes after a run's data is durably committed.
	WatermarkStore interface {
		// Read returns the stored watermark for a source, or BeginningOfTime
		// when no prior watermark exists. Absence is not an error.
		Read(source SourceID) time.Time

		// WriteAll replaces the stored watermarks with the given values and
		// flushes them durably before returning. Sources absent from the map
		// keep their previous value.
		WriteAll(marks map[SourceID]time.Time) error
	}

	// FileWatermarkStore keeps watermarks in a line-oriented "sourceID value"
	// file, rewritten atomically (write-to-temp-then-rename) so a crash never
	// leaves truncated state.
	FileWatermarkStore struct {
		path  string
		marks map[SourceID]time.Time
	}
)

var _ WatermarkStore = (*FileWatermarkStore)(nil)

// NewFileWatermarkStore loads the watermark file at path. A missing file is not
// an error: it is the first-run state where every source reads BeginningOfTime.
func NewFileWatermarkStore(path string) (*FileWatermarkStore, error) {
	store := &FileWatermarkStore{
		path:  path,
		marks: make(map[SourceID]time.Time),
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return store, nil
		}

		return nil, fmt.Errorf("%w: open %s: %w", ErrWatermarkFile, path, err)
	}

	defer func() {
		_ = file.Close()
	}()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// First token is the source ID, the remainder is the timestamp
		// (the canonical layout itself contains a space).
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}

		ts, ok := canonicalization.ParseTimestamp(parts[1])
		if !ok {
			continue
		}

		store.marks[SourceID(parts[0])] = ts
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrWatermarkFile, path, err)
	}

	return store, nil
}

// Read returns the stored watermark for a source, or BeginningOfTime when the
// source has never been ingested.
func (s *FileWatermarkStore) Read(source SourceID) time.Time {
	if mark, ok := s.marks[source]; ok {
		return mark
	}

	return BeginningOfTime
}

// WriteAll merges the given watermarks over the stored state and rewrites the
// file atomically. The temp file is fsynced before rename so the new state is
// durable once WriteAll returns.
func (s *FileWatermarkStore) WriteAll(marks map[SourceID]time.Time) error {
	for source, mark := range marks {
		s.marks[source] = mark
	}

	dir := filepath.Dir(s.path)

	tmp, err := os.CreateTemp(dir, ".watermarks-*")
	if err != nil {
		return fmt.Errorf("%w: temp file: %w", ErrWatermarkFile, err)
	}

	tmpName := tmp.Name()

	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(tmpName)
	}()

	sources := make([]SourceID, 0, len(s.marks))
	for source := range s.marks {
		sources = append(sources, source)
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	for _, source := range sources {
		line := fmt.Sprintf("%s %s\n", source, canonicalization.FormatTimestamp(s.marks[source]))
		if _, err := tmp.WriteString(line); err != nil {
			_ = tmp.Close()

			return fmt.Errorf("%w: write: %w", ErrWatermarkFile, err)
		}
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("%w: sync: %w", ErrWatermarkFile, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", ErrWatermarkFile, err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("%w: rename: %w", ErrWatermarkFile, err)
	}

	return nil
}
