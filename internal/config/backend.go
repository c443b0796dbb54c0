package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ConfigBackend abstracts persistent config storage.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetStringSlice(key string) (val []string, ok bool, err error)
	Set(key string, val any) error
}

func configFilePath() string {
	if p := os.Getenv("PHARMARAG_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "pharmarag", "config.yaml")
}

// fileBackend stores config as nested YAML through viper. Dotted keys map
// to nested sections, so server.port is read from
//
//	server:
//	  port: 8001
type fileBackend struct {
	path string
	v    *viper.Viper
}

func newFileBackend(path string) (*fileBackend, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}
	return &fileBackend{path: path, v: v}, nil
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	if !b.v.IsSet(key) {
		return "", false, nil
	}
	switch b.v.Get(key).(type) {
	case map[string]any, []any:
		return "", true, fmt.Errorf("%s must be a scalar value", key)
	default:
		return b.v.GetString(key), true, nil
	}
}

func (b *fileBackend) GetStringSlice(key string) ([]string, bool, error) {
	if !b.v.IsSet(key) {
		return nil, false, nil
	}
	switch val := b.v.Get(key).(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out, true, nil
	case []string:
		return val, true, nil
	case string:
		return splitList(val), true, nil
	default:
		return nil, true, fmt.Errorf("%s must be a list", key)
	}
}

// Set stores val under key and rewrites the config file.
func (b *fileBackend) Set(key string, val any) error {
	b.v.Set(key, val)
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := b.v.WriteConfigAs(b.path); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
