package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileLedger stores one JSON record per line. The whole file is scanned on
// open; every Record appends a line and fsyncs before returning.
type FileLedger struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	records map[string]Record
	order   []string
}

// OpenFile loads (or creates) a line-delimited ledger at path. A torn last line
// left by a crash mid-append is dropped and truncated away.
func OpenFile(path string, log *slog.Logger) (*FileLedger, error) {
	if path == "" {
		return nil, errors.New("ledger path required")
	}
	if log == nil {
		log = slog.Default()
	}

	_, statErr := os.Stat(path)
	created := errors.Is(statErr, os.ErrNotExist)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	l := &FileLedger{path: path, f: f, records: map[string]Record{}}
	good, torn, err := l.load(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if torn {
		log.Warn("ledger has a torn trailing record, truncating", "path", path, "offset", good)
		if err := f.Truncate(good); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate ledger: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("sync ledger: %w", err)
		}
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek ledger: %w", err)
	}
	if created {
		if err := syncDir(filepath.Dir(path)); err != nil {
			f.Close()
			return nil, err
		}
	}

	log.Info("ledger loaded", "path", path, "records", len(l.records))
	return l, nil
}

// load reads every complete line. It returns the offset just past the last
// valid record and whether trailing bytes after it must be discarded.
func (l *FileLedger) load(r io.Reader) (int64, bool, error) {
	br := bufio.NewReader(r)
	var offset int64
	lineNo := 0
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			complete := line[len(line)-1] == '\n'
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) == 0 && complete {
				offset += int64(len(line))
				continue
			}
			var rec Record
			decodeErr := json.Unmarshal(trimmed, &rec)
			if !complete {
				if decodeErr != nil || rec.ID == "" {
					return offset, true, nil
				}
				// Valid record missing only its newline: keep it and add the terminator.
				end := offset + int64(len(line))
				if _, err := l.f.WriteAt([]byte{'\n'}, end); err != nil {
					return 0, false, fmt.Errorf("terminate ledger tail: %w", err)
				}
				l.add(rec)
				return end + 1, false, nil
			}
			if decodeErr != nil {
				return 0, false, fmt.Errorf("ledger %s line %d: %w", l.path, lineNo, decodeErr)
			}
			if rec.ID == "" {
				return 0, false, fmt.Errorf("ledger %s line %d: %w", l.path, lineNo, ErrIDRequired)
			}
			l.add(rec)
			offset += int64(len(line))
		}
		if errors.Is(err, io.EOF) {
			return offset, false, nil
		}
		if err != nil {
			return 0, false, fmt.Errorf("read ledger: %w", err)
		}
	}
}

func (l *FileLedger) add(rec Record) {
	if _, ok := l.records[rec.ID]; ok {
		return
	}
	l.records[rec.ID] = rec
	l.order = append(l.order, rec.ID)
}

// Contains reports whether id was recorded, including by earlier processes.
func (l *FileLedger) Contains(_ context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrIDRequired
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.records[id]
	return ok, nil
}

// Record appends rec and fsyncs. A second call for the same ID is a no-op.
func (l *FileLedger) Record(_ context.Context, rec Record) (Status, error) {
	if rec.ID == "" {
		return 0, ErrIDRequired
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return 0, errors.New("ledger closed")
	}
	if _, ok := l.records[rec.ID]; ok {
		return AlreadyRecorded, nil
	}

	rec = stamp(rec)
	line, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')

	pos, err := l.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seek ledger: %w", err)
	}
	if _, err := l.f.Write(line); err != nil {
		// Drop any partial write so the next append starts on a line boundary.
		_ = l.f.Truncate(pos)
		return 0, fmt.Errorf("append record: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return 0, fmt.Errorf("sync ledger: %w", err)
	}

	l.add(rec)
	return Recorded, nil
}

func (l *FileLedger) Count(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records), nil
}

// List returns records in append order.
func (l *FileLedger) List(_ context.Context) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.records[id])
	}
	return out, nil
}

// Close releases the file handle.
func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open ledger dir: %w", err)
	}
	defer d.Close()
	// Some platforms do not support fsync on directories.
	_ = d.Sync()
	return nil
}
