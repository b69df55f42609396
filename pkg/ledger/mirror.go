package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/buildnet-io/buildnet/pkg/backend"
	"github.com/buildnet-io/buildnet/pkg/types"
)

// Mirror appends every ledger entry as one JSON line to a local file. Each
// append is fsynced before the write is reported durable, so the mirror can
// rebuild the chain after total backend loss.
type Mirror struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenMirror opens or creates the mirror file in append mode
func OpenMirror(path string) (*Mirror, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create mirror directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}
	return &Mirror{file: file, path: path}, nil
}

// Append writes one entry as a JSON line and syncs it to disk
func (m *Mirror) Append(entry *types.LedgerEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal mirror entry: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append mirror entry: %w", err)
	}
	return m.file.Sync()
}

// Path returns the mirror file path
func (m *Mirror) Path() string { return m.path }

// Close syncs and closes the mirror file
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.file.Sync(); err != nil {
		m.file.Close()
		return err
	}
	return m.file.Close()
}

// ReplayMirror restores entries from a mirror file into the backend and
// rebuilds the latest pointers, returning the number of entries restored.
// Lines replay in file order, so an entry superseded after a partial write
// is overwritten by the line that finally claimed its sequence.
func ReplayMirror(ctx context.Context, path string, b backend.Backend) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mirror: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	restored := 0
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			return restored, fmt.Errorf("mirror line %d: %w", line, err)
		}
		if entry.SequenceNumber == 0 {
			return restored, fmt.Errorf("mirror line %d: missing sequence number", line)
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return restored, fmt.Errorf("mirror line %d: %w", line, err)
		}
		if err := b.Set(ctx, entryKey(entry.SequenceNumber), data, 0); err != nil {
			return restored, fmt.Errorf("restore entry %d: %w", entry.SequenceNumber, err)
		}
		restored++
	}
	if err := scanner.Err(); err != nil {
		return restored, fmt.Errorf("read mirror: %w", err)
	}

	if err := rebuildLatest(ctx, b); err != nil {
		return restored, err
	}
	return restored, nil
}

// rebuildLatest derives every latest pointer from the restored entries
func rebuildLatest(ctx context.Context, b backend.Backend) error {
	keys, err := b.Keys(ctx, entryKeyPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		data, found, err := b.Get(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		entry, err := decodeEntry(data)
		if err != nil {
			return err
		}
		pointer := latestKey(entry.EntityType, entry.EntityID)
		if entry.Delta != nil && entry.Delta.Type == types.DeltaDelete {
			if err := b.Delete(ctx, pointer); err != nil {
				return err
			}
			continue
		}
		if entry.EntryType != types.EntryCredit {
			continue
		}
		record, err := json.Marshal(latestRecord{
			Sequence: entry.SequenceNumber,
			State:    entry.NewState,
		})
		if err != nil {
			return err
		}
		if err := b.Set(ctx, pointer, record, 0); err != nil {
			return err
		}
	}
	return nil
}
