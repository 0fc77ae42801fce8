package quarantine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"aegis/api"
	"aegis/logger"

	"github.com/djherbis/times"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

// ErrNotFound is returned when a quarantine operation targets a file that
// does not exist.
var ErrNotFound = errors.New("quarantine: file not found")

// Ledger is the backend side of quarantine bookkeeping. The local artifact
// and the remote ledger record must stay consistent: every local mutation is
// paired with a ledger call.
type Ledger interface {
	ReportQuarantineEvent(ctx context.Context, ev api.QuarantineEvent) error
	ReportQuarantineDelete(ctx context.Context, quarantineID string) error
	RequestSignedUpload(ctx context.Context, quarantineID string, fileSize int64, contentType string) (api.SignedUpload, error)
	UploadFile(ctx context.Context, uploadURL, contentType string, body io.Reader, size int64) error
}

// Stats summarizes the quarantine area.
type Stats struct {
	TotalFiles int
	TotalSize  int64
}

// Manager isolates threat-bearing files under a sequestered root. Artifacts
// are renamed to their content hash, so identical threats collapse into one
// path.
type Manager struct {
	root     string
	ledger   Ledger
	deviceID string
}

func NewManager(root string, ledger Ledger, deviceID string) (*Manager, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	return &Manager{root: root, ledger: ledger, deviceID: deviceID}, nil
}

// Root returns the quarantine directory. Scan walkers exclude it.
func (m *Manager) Root() string {
	return m.root
}

// Quarantine moves (never copies) the file into the quarantine root under
// its content hash and reports the event to the backend ledger. If the move
// succeeds but the ledger call fails, the file stays quarantined locally and
// the error is surfaced so the caller can reconcile later.
func (m *Manager) Quarantine(ctx context.Context, filePath, fileName, fileHash, threatName, severity string) (string, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, filePath)
		}
		return "", err
	}

	dest := filepath.Join(m.root, fileHash)
	if err := moveFile(filePath, dest); err != nil {
		return "", fmt.Errorf("quarantine move: %w", err)
	}
	logger.Infof("Quarantined %s (%s) as %s", fileName, humanize.Bytes(uint64(info.Size())), fileHash)

	ev := api.QuarantineEvent{
		QuarantineID: uuid.NewString(),
		DeviceID:     m.deviceID,
		FileName:     fileName,
		FilePath:     filePath,
		FileSize:     info.Size(),
		FileHash:     fileHash,
		ThreatName:   threatName,
		Severity:     severity,
		CreatedAt:    createdAt(dest),
	}
	if err := m.ledger.ReportQuarantineEvent(ctx, ev); err != nil {
		return dest, fmt.Errorf("quarantined locally but ledger report failed: %w", err)
	}
	return dest, nil
}

// Upload streams the quarantined artifact to a backend-issued signed
// destination.
func (m *Manager) Upload(ctx context.Context, quarantineID, filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, filePath)
		}
		return err
	}

	contentType := sniffContentType(filePath)
	signed, err := m.ledger.RequestSignedUpload(ctx, quarantineID, info.Size(), contentType)
	if err != nil {
		return fmt.Errorf("signed upload request: %w", err)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()
	return m.ledger.UploadFile(ctx, signed.UploadURL, contentType, f, info.Size())
}

// Delete removes the local artifact (idempotent: an already-missing file is
// fine) and then notifies the ledger. The ledger call happens regardless of
// whether the file still existed.
func (m *Manager) Delete(ctx context.Context, quarantineID, filePath string) error {
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return m.ledger.ReportQuarantineDelete(ctx, quarantineID)
}

// Restore moves a quarantined artifact back to its original location. The
// backend ledger is deliberately not notified here; callers that need the
// ledger updated must do it themselves.
func (m *Manager) Restore(filePath, originalPath string) error {
	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, filePath)
		}
		return err
	}
	if err := os.MkdirAll(filepath.Dir(originalPath), 0755); err != nil {
		return err
	}
	return moveFile(filePath, originalPath)
}

// ClearAll destroys the quarantine root and recreates it empty.
func (m *Manager) ClearAll() error {
	if err := os.RemoveAll(m.root); err != nil {
		return err
	}
	return os.MkdirAll(m.root, 0700)
}

// GetStats enumerates the quarantine root. Per-file stat failures are
// tolerated: they are logged and skipped, never aborting aggregation.
func (m *Manager) GetStats() Stats {
	var stats Stats
	entries, err := os.ReadDir(m.root)
	if err != nil {
		logger.Warnf("Failed to list quarantine root %s: %v", m.root, err)
		return stats
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			logger.Warnf("Failed to stat quarantined file %s: %v", entry.Name(), err)
			continue
		}
		stats.TotalFiles++
		stats.TotalSize += info.Size()
	}
	return stats
}

// moveFile renames, falling back to copy-and-remove when source and
// destination are on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func sniffContentType(path string) string {
	kind, err := filetype.MatchFile(path)
	if err != nil || kind == filetype.Unknown {
		return "application/octet-stream"
	}
	return kind.MIME.Value
}

func createdAt(path string) time.Time {
	if t, err := times.Stat(path); err == nil {
		if t.HasBirthTime() {
			return t.BirthTime()
		}
		return t.ModTime()
	}
	return time.Now()
}
