// Package crypt holds the security primitives of the messenger: first-run
// secret material, password hashing, room key generation and wrapping, file
// signature checks, and input sanitization.
package crypt

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	secretKeyFile = ".secret_key"
	saltFile      = ".security_salt"
)

// LoadOrCreateSecretKey returns the process secret key, generating and
// persisting it on first run. The key survives restarts so sessions and
// wrapped room keys stay valid.
func LoadOrCreateSecretKey(dataDir string) (string, error) {
	return loadOrCreate(filepath.Join(dataDir, secretKeyFile))
}

// LoadOrCreateSalt returns the install-wide password salt, generating and
// persisting it on first run.
func LoadOrCreateSalt(dataDir string) (string, error) {
	return loadOrCreate(filepath.Join(dataDir, saltFile))
}

func loadOrCreate(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		value := strings.TrimSpace(string(data))
		if value != "" {
			return value, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret for %s: %w", path, err)
	}
	value := hex.EncodeToString(buf)

	if err := os.WriteFile(path, []byte(value), 0o600); err != nil {
		return "", fmt.Errorf("persist %s: %w", path, err)
	}
	return value, nil
}
