package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sync"

	"aegis/logger"
)

const (
	bufferSmallSize      = 32 * 1024
	bufferLargeSize      = 128 * 1024
	largeBufferThreshold = 256 * 1024
)

var bufferSmallPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, bufferSmallSize)
		return &buf
	},
}

var bufferLargePool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, bufferLargeSize)
		return &buf
	},
}

// Fingerprint returns the hex-encoded SHA-256 of the file's content.
// Unreadable files produce an empty fingerprint, not an error: the scan
// pipeline treats an empty fingerprint as unclassifiable and moves on.
func Fingerprint(path string) string {
	file, err := os.Open(path)
	if err != nil {
		logger.Warnf("Failed to open file for fingerprinting %s: %v", path, err)
		return ""
	}
	defer file.Close()

	bufferPool := &bufferSmallPool
	if info, statErr := file.Stat(); statErr == nil && info.Size() >= largeBufferThreshold {
		bufferPool = &bufferLargePool
	}
	bufferPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufferPtr)
	buffer := *bufferPtr

	h := sha256.New()
	for {
		n, readErr := file.Read(buffer)
		if n > 0 {
			h.Write(buffer[:n])
		}
		if readErr != nil {
			if readErr != io.EOF {
				logger.Warnf("Failed to fingerprint %s: %v", path, readErr)
				return ""
			}
			break
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintBytes hashes an in-memory buffer with the same encoding as
// Fingerprint.
func FingerprintBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
