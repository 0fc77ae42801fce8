package kvstore

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a durable key-value store backed by sqlite. Values written with
// SetSecure are encrypted at rest; Get transparently decrypts them. Writes
// are last-write-wins, safe for concurrent use from scan and command paths.
type Store struct {
	db   *sql.DB
	aead cipher.AEAD
}

// Open opens (creating if needed) the store at path. masterKey seeds the
// at-rest encryption key via HKDF-SHA256 and must be at least 16 bytes.
func Open(path string, masterKey []byte) (*Store, error) {
	if len(masterKey) < 16 {
		return nil, fmt.Errorf("kvstore: master key too short (%d bytes)", len(masterKey))
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS kv (
  key TEXT PRIMARY KEY,
  value BLOB NOT NULL,
  secure INTEGER NOT NULL DEFAULT 0,
  updated_at TEXT NOT NULL DEFAULT (CURRENT_TIMESTAMP)
);
`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, err
		}
	}

	key := make([]byte, chacha20poly1305.KeySize)
	hk := hkdf.New(sha256.New, masterKey, nil, []byte("aegis-kv-at-rest"))
	if _, err := io.ReadFull(hk, key); err != nil {
		db.Close()
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, aead: aead}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value for key, decrypting secure values transparently.
func (s *Store) Get(key string) (string, error) {
	var value []byte
	var secure int
	err := s.db.QueryRow(`SELECT value, secure FROM kv WHERE key = ?`, key).Scan(&value, &secure)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if secure == 0 {
		return string(value), nil
	}
	return s.open(value)
}

// Set stores a plaintext value, overwriting any previous value for key.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`
INSERT INTO kv (key, value, secure, updated_at) VALUES (?, ?, 0, CURRENT_TIMESTAMP)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, secure = 0, updated_at = CURRENT_TIMESTAMP
`, key, []byte(value))
	return err
}

// SetSecure stores a value encrypted at rest. Intended for tokens, device
// identifiers, and PINs.
func (s *Store) SetSecure(key, value string) error {
	sealed, err := s.seal([]byte(value))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
INSERT INTO kv (key, value, secure, updated_at) VALUES (?, ?, 1, CURRENT_TIMESTAMP)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, secure = 1, updated_at = CURRENT_TIMESTAMP
`, key, sealed)
	return err
}

// Remove deletes a key. Removing an absent key is not an error.
func (s *Store) Remove(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// Clear removes every stored key, secure or not.
func (s *Store) Clear() error {
	_, err := s.db.Exec(`DELETE FROM kv`)
	return err
}

// Keys lists stored keys, mainly for diagnostics.
func (s *Store) Keys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) open(sealed []byte) (string, error) {
	if len(sealed) < s.aead.NonceSize() {
		return "", fmt.Errorf("kvstore: sealed value truncated")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("kvstore: decrypt: %w", err)
	}
	return string(plaintext), nil
}

// LoadOrCreateKey reads the master key file, generating a fresh 32-byte key
// on first run.
func LoadOrCreateKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) >= 16 {
		return data, nil
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, err
	}
	return key, nil
}
