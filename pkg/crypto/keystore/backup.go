package keystore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shdchub/shdc/pkg/crypto/symmetric"
)

const (
	// BackupVersion is the current backup file format version.
	BackupVersion = "1.0"
	// DefaultIterations is the PBKDF2 iteration count used for new backups.
	DefaultIterations = 100000
	// SaltSize is the size of the PBKDF2 salt in bytes.
	SaltSize = 32
)

var (
	ErrInvalidBackupVersion = errors.New("keystore: invalid or unsupported backup version")
	ErrCorruptBackup        = errors.New("keystore: corrupted backup file")
	ErrWrongPassphrase      = errors.New("keystore: wrong passphrase or corrupted backup")
)

// backupFile is the JSON structure written to disk by Export.
type backupFile struct {
	Version    string `json:"version"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`       // base64
	Nonce      string `json:"nonce"`      // base64
	Ciphertext string `json:"ciphertext"` // base64, encrypted backupPayload JSON
}

// backupEntry is one key's plaintext contents inside the encrypted payload.
type backupEntry struct {
	Key       string    `json:"key"` // base64 raw key bytes
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// backupPayload is the full plaintext backup contents before encryption.
type backupPayload struct {
	Entries map[string]backupEntry `json:"entries"`
}

// Export writes every non-expired key currently in the store to path,
// encrypted under passphrase. It mirrors the per-device backup/restore
// tooling operators use to move a hub or sensor's keys to new
// hardware without re-running discovery and JOIN from scratch.
func Export(s *Store, passphrase string, path string) error {
	if err := ValidatePassphrase(passphrase); err != nil {
		return fmt.Errorf("invalid passphrase: %w", err)
	}

	infos, err := s.List()
	if err != nil {
		return fmt.Errorf("keystore: failed to list keys for export: %w", err)
	}

	payload := backupPayload{Entries: make(map[string]backupEntry, len(infos))}
	now := time.Now()
	for _, info := range infos {
		if info.IsExpired(now) {
			continue
		}
		key, err := s.Get(info.ID)
		if err != nil {
			return fmt.Errorf("keystore: failed to read %q for export: %w", info.ID, err)
		}
		payload.Entries[info.ID] = backupEntry{
			Key:       base64.StdEncoding.EncodeToString(key),
			CreatedAt: info.CreatedAt,
			ExpiresAt: info.ExpiresAt,
		}
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("keystore: failed to marshal backup payload: %w", err)
	}

	var salt [SaltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("keystore: failed to generate salt: %w", err)
	}

	aesKey, err := DeriveKey(passphrase, salt[:], DefaultIterations)
	if err != nil {
		return fmt.Errorf("keystore: failed to derive backup key: %w", err)
	}

	nonce, ciphertext, err := symmetric.Encrypt(aesKey, plaintext, []byte(BackupVersion))
	if err != nil {
		return fmt.Errorf("keystore: failed to encrypt backup: %w", err)
	}

	file := backupFile{
		Version:    BackupVersion,
		Iterations: DefaultIterations,
		Salt:       base64.StdEncoding.EncodeToString(salt[:]),
		Nonce:      base64.StdEncoding.EncodeToString(nonce[:]),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}

	fileJSON, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: failed to marshal backup file: %w", err)
	}
	if err := os.WriteFile(path, fileJSON, 0600); err != nil {
		return fmt.Errorf("keystore: failed to write backup file: %w", err)
	}

	return nil
}

// Import decrypts the backup at path under passphrase and writes its
// entries into s. Each entry keeps its original expiry instant;
// entries already expired at import time are skipped, and the
// creation time of each restored entry is the time of the import.
func Import(s *Store, passphrase string, path string) (int, error) {
	if err := ValidatePassphrase(passphrase); err != nil {
		return 0, fmt.Errorf("invalid passphrase: %w", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("keystore: failed to read backup file: %w", err)
	}

	var file backupFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptBackup, err)
	}
	if file.Version != BackupVersion {
		return 0, fmt.Errorf("%w: got %s, expected %s", ErrInvalidBackupVersion, file.Version, BackupVersion)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil || len(salt) != SaltSize {
		return 0, fmt.Errorf("%w: invalid salt", ErrCorruptBackup)
	}
	var nonce [symmetric.NonceSize]byte
	nonceBytes, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil || len(nonceBytes) != symmetric.NonceSize {
		return 0, fmt.Errorf("%w: invalid nonce", ErrCorruptBackup)
	}
	copy(nonce[:], nonceBytes)

	ciphertext, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid ciphertext encoding", ErrCorruptBackup)
	}

	aesKey, err := DeriveKey(passphrase, salt, file.Iterations)
	if err != nil {
		return 0, fmt.Errorf("keystore: failed to derive backup key: %w", err)
	}

	plaintext, err := symmetric.Decrypt(aesKey, nonce, ciphertext, []byte(file.Version))
	if err != nil {
		return 0, ErrWrongPassphrase
	}

	var payload backupPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptBackup, err)
	}

	now := time.Now()
	restored := 0
	for id, entry := range payload.Entries {
		key, err := base64.StdEncoding.DecodeString(entry.Key)
		if err != nil {
			return restored, fmt.Errorf("%w: key %q has invalid encoding", ErrCorruptBackup, id)
		}

		var lifetime time.Duration
		if !entry.ExpiresAt.IsZero() {
			if !entry.ExpiresAt.After(now) {
				continue // already expired; don't resurrect it
			}
			lifetime = entry.ExpiresAt.Sub(now)
		}

		if err := s.Put(id, key, lifetime); err != nil {
			return restored, fmt.Errorf("keystore: failed to restore %q: %w", id, err)
		}
		restored++
	}

	return restored, nil
}
