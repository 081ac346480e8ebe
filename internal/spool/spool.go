// Package spool is the durable store for undelivered command responses. Each
// record is one file under the spool directory: a JSON metadata header line
// followed by the serialized wire payload. File names embed the first-persist
// timestamp, so enumeration order is the persist order.
package spool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/strada-io/strada/internal/delivery"
)

const recordExt = ".rec"

// Store is a file-backed delivery.Spool. Append may run concurrently with an
// enumeration sweep; a record appended mid-sweep shows up in the next
// Pending call.
type Store struct {
	dir    string
	mu     sync.Mutex
	logger zerolog.Logger
}

var _ delivery.Spool = (*Store)(nil)

// New opens (creating if needed) a spool directory.
func New(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger.With().Str("component", "spool").Logger(),
	}, nil
}

// Dir returns the spool directory path.
func (s *Store) Dir() string { return s.dir }

func recordFilename(meta delivery.RecordMeta) string {
	return fmt.Sprintf("%020d-%s%s", meta.FirstPersistedAt.UnixNano(), meta.RecordID, recordExt)
}

// Append durably writes one record. The write goes through a temp file and
// rename, so a crash mid-write never leaves a half record behind under the
// record extension.
func (s *Store) Append(payload []byte, meta delivery.RecordMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(payload, meta)
}

func (s *Store) write(payload []byte, meta delivery.RecordMeta) error {
	header, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal record header: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "spool-*.tmp")
	if err != nil {
		return fmt.Errorf("create spool temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, werr := tmp.Write(append(append(header, '\n'), payload...))
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write spool record: %w", werr)
	}

	final := filepath.Join(s.dir, recordFilename(meta))
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit spool record: %w", err)
	}
	return nil
}

// Pending enumerates all records in persist order. A file whose header no
// longer parses is removed with a diagnostic; it cannot carry valid metadata,
// so no retry policy could ever clear it.
func (s *Store) Pending() ([]delivery.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	records := make([]delivery.Record, 0, len(names))
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		rec, err := readRecord(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("unreadable spool record removed")
			os.Remove(path)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func readRecord(path string) (delivery.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return delivery.Record{}, err
	}
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return delivery.Record{}, fmt.Errorf("missing header separator")
	}
	var meta delivery.RecordMeta
	if err := json.Unmarshal(data[:i], &meta); err != nil {
		return delivery.Record{}, fmt.Errorf("parse header: %w", err)
	}
	if meta.RecordID == "" {
		return delivery.Record{}, fmt.Errorf("header missing record_id")
	}
	return delivery.Record{Meta: meta, Payload: data[i+1:]}, nil
}

// Update rewrites a record's metadata header (retry count bumps), keeping the
// payload and file name unchanged.
func (s *Store) Update(meta delivery.RecordMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := readRecord(filepath.Join(s.dir, recordFilename(meta)))
	if err != nil {
		return fmt.Errorf("reread record %s: %w", meta.RecordID, err)
	}
	return s.write(rec.Payload, meta)
}

// Delete removes a record. Deleting a record that is already gone is not an
// error, so purge after a concurrent cleanup stays idempotent.
func (s *Store) Delete(meta delivery.RecordMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, recordFilename(meta)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete spool record %s: %w", meta.RecordID, err)
	}
	return nil
}

// Count returns the number of record files currently spooled.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), recordExt) {
			n++
		}
	}
	return n, nil
}
