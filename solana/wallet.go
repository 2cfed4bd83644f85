package chainsensors_protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gagliardetto/solana-go"
)

const (
	defaultConfigDirName = ".config"
	solanaConfigDirName  = "solana"
	keypairFileName      = "id.json"
)

// DefaultKeypairPath returns the solana CLI default keypair location,
// e.g. /home/user/.config/solana/id.json
func DefaultKeypairPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, defaultConfigDirName, solanaConfigDirName, keypairFileName), nil
}

// LoadKeypair reads a keypair stored as a JSON byte array, the format written
// by `solana-keygen`. A leading ~ is expanded to the home directory.
func LoadKeypair(path string) (solana.PrivateKey, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keypair file: %w", err)
	}

	var privateKeyBytes []byte
	if err := json.Unmarshal(bytes, &privateKeyBytes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal keypair file: %w", err)
	}

	if len(privateKeyBytes) != 64 {
		return nil, fmt.Errorf("invalid private key length: expected %d, got %d", 64, len(privateKeyBytes))
	}

	return solana.PrivateKey(privateKeyBytes), nil
}

// SaveKeypair writes key as a JSON byte array readable by LoadKeypair.
func SaveKeypair(key solana.PrivateKey, path string) error {
	// Ensure the directory exists.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create keypair directory: %w", err)
	}

	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	bytes, err := json.Marshal(ints)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	if err := os.WriteFile(path, bytes, 0600); err != nil {
		return fmt.Errorf("failed to write keypair file: %w", err)
	}

	return nil
}
