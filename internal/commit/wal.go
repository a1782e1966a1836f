package commit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/roach88/synchrony/internal/ir"
)

// Op is a WAL record type.
type Op string

const (
	OpBegin    Op = "BEGIN"
	OpCommit   Op = "COMMIT"
	OpRollback Op = "ROLLBACK"
)

// Record is one WAL line.
//
// TxID is the commit sequence number the batch occupies (or would have
// occupied) in the commit log. PayloadHash is the hash of the encoded state
// file the batch produces.
type Record struct {
	Op          Op      `json:"op"`
	TxID        int64   `json:"tx_id"`
	BatchID     string  `json:"batch_id"`
	Timestamp   string  `json:"timestamp"`
	PayloadHash ir.Hash `json:"payload_hash"`
}

func (r Record) validate() error {
	switch r.Op {
	case OpBegin, OpCommit, OpRollback:
	default:
		return fmt.Errorf("unknown op %q", r.Op)
	}
	if r.TxID <= 0 {
		return fmt.Errorf("non-positive tx_id %d", r.TxID)
	}
	if r.BatchID == "" {
		return fmt.Errorf("empty batch_id")
	}
	if _, err := time.Parse(time.RFC3339Nano, r.Timestamp); err != nil {
		return fmt.Errorf("bad timestamp: %w", err)
	}
	return nil
}

// WAL is an append-only durability log.
type WAL interface {
	// Append writes one record and makes it durable before returning.
	Append(rec Record) error
	// Records returns every durable record in append order.
	Records() ([]Record, error)
	// Close releases the log.
	Close() error
}

// FileWAL is a newline-delimited JSON log in a single file opened with
// O_APPEND. Each record is one write followed by fsync. The file is never
// rewritten; the only exception is OpenFileWAL truncating a torn final line
// left by a crash mid-append.
type FileWAL struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	records []Record
}

var _ WAL = (*FileWAL)(nil)

// OpenFileWAL opens or creates the log at path and reads its records.
//
// A final line without a terminating newline is a torn append: it is
// truncated away and reported via torn. Any complete line that fails to
// decode is corruption and yields an IntegrityPanic.
func OpenFileWAL(path string) (w *FileWAL, torn bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("read wal: %w", err)
	}

	records, good, err := decodeRecords(data)
	if err != nil {
		return nil, false, err
	}
	if good < len(data) {
		torn = true
		if err := os.Truncate(path, int64(good)); err != nil {
			return nil, false, fmt.Errorf("truncate torn wal tail: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("open wal: %w", err)
	}
	if torn {
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, false, fmt.Errorf("sync wal: %w", err)
		}
	}
	return &FileWAL{path: path, f: f, records: records}, torn, nil
}

// decodeRecords parses complete lines and returns the byte length of the
// well-formed prefix.
func decodeRecords(data []byte) ([]Record, int, error) {
	var records []Record
	offset := 0
	line := 0
	for offset < len(data) {
		nl := bytes.IndexByte(data[offset:], '\n')
		if nl < 0 {
			// Torn tail.
			return records, offset, nil
		}
		line++
		raw := data[offset : offset+nl]
		var rec Record
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&rec); err != nil {
			return nil, 0, integrityPanic("wal", err, "corrupt record at line %d", line)
		}
		if err := rec.validate(); err != nil {
			return nil, 0, integrityPanic("wal", err, "invalid record at line %d", line)
		}
		records = append(records, rec)
		offset += nl + 1
	}
	return records, offset, nil
}

// Append implements WAL.
func (w *FileWAL) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return ErrClosed
	}
	if err := rec.validate(); err != nil {
		return fmt.Errorf("append wal: %w", err)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode wal record: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.f.Write(line); err != nil {
		return fmt.Errorf("append wal: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	w.records = append(w.records, rec)
	return nil
}

// Records implements WAL.
func (w *FileWAL) Records() ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Record(nil), w.records...), nil
}

// Path returns the log file path.
func (w *FileWAL) Path() string {
	return w.path
}

// Close implements WAL.
func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
