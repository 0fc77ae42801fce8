package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"aegis/logger"
)

// SchemaVersion tags every journal record so offline consumers can detect
// incompatible layouts.
const SchemaVersion = "1.0"

// record is one NDJSON journal line.
type record struct {
	Timestamp     time.Time   `json:"timestamp"`
	SchemaVersion string      `json:"schema_version"`
	RecordType    string      `json:"record_type"`
	Payload       interface{} `json:"payload"`
}

// Journal is an append-only NDJSON event log on local disk. It is the
// device-side audit trail that survives backend outages: every scan report,
// quarantine event and command failure lands here before (and regardless of)
// any network delivery. Rotation caps the size of a single file.
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	base    string
	ext     string
	index   int
	maxSize int64
}

// NewJournal opens (or creates) the journal at path. maxSize of zero
// disables rotation.
func NewJournal(path string, maxSize int64) (*Journal, error) {
	ext := filepath.Ext(path)
	j := &Journal{
		base:    strings.TrimSuffix(path, ext),
		ext:     ext,
		maxSize: maxSize,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := j.openFile(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) fileName(index int) string {
	if index > 0 {
		return fmt.Sprintf("%s.%d%s", j.base, index, j.ext)
	}
	return j.base + j.ext
}

func (j *Journal) openFile() error {
	f, err := os.OpenFile(j.fileName(j.index), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	j.file = f
	j.buf = bufio.NewWriterSize(f, 64*1024)
	return nil
}

// Write appends one record. Journal failures are logged, never propagated:
// local bookkeeping must not break the operation it records.
func (j *Journal) Write(recordType string, payload interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()

	line, err := json.Marshal(record{
		Timestamp:     time.Now(),
		SchemaVersion: SchemaVersion,
		RecordType:    recordType,
		Payload:       payload,
	})
	if err != nil {
		logger.Warnf("Failed to encode %s journal record: %v", recordType, err)
		return
	}
	if _, err := j.buf.Write(append(line, '\n')); err != nil {
		logger.Warnf("Failed to write journal record: %v", err)
		return
	}
	if err := j.buf.Flush(); err != nil {
		logger.Warnf("Failed to flush journal: %v", err)
		return
	}

	if j.maxSize > 0 {
		if info, err := j.file.Stat(); err == nil && info.Size() >= j.maxSize {
			j.rotate()
		}
	}
}

// rotate switches writing to the next index. The next file is opened before
// the current one is released: if it cannot be opened, the current file stays
// active so records keep landing somewhere, and rotation is retried on a
// later write.
func (j *Journal) rotate() {
	f, err := os.OpenFile(j.fileName(j.index+1), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		logger.Errorf("Failed to rotate journal: %v", err)
		return
	}
	_ = j.file.Sync()
	_ = j.file.Close()
	j.index++
	j.file = f
	j.buf = bufio.NewWriterSize(f, 64*1024)
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.buf.Flush(); err != nil {
		return err
	}
	_ = j.file.Sync()
	return j.file.Close()
}
