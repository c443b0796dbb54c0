package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrSecretNotFound is returned when the secrets file has no value for a key.
var ErrSecretNotFound = errors.New("secret not found")

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "pharmarag", "secrets.json")
}

// secretsFile keeps secrets as a flat JSON object with 0600 permissions,
// keyed by config key.
type secretsFile struct {
	path string
}

func newSecretsFile(path string) *secretsFile {
	return &secretsFile{path: path}
}

func (f *secretsFile) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f *secretsFile) Get(key string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrSecretNotFound
		}
		return "", err
	}
	val, ok := secrets[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return val, nil
}

func (f *secretsFile) Set(key, value string) error {
	secrets, err := f.read()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]string)
	}
	secrets[key] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}
