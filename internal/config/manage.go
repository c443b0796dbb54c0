package config

import (
	"fmt"
	"sort"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from cfg. Secrets are shown
// as set or unset, never by value.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		val := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			if val == "" {
				val = "(unset)"
			} else {
				val = "(set)"
			}
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  val,
		})
	}
	return result
}

// SetKey validates value and persists it. Secrets go to the secrets file;
// everything else goes to the config file.
func SetKey(key, value string) error {
	b, err := newFileBackend(configFilePath())
	if err != nil {
		return err
	}
	return setKey(b, newSecretsFile(secretsFilePath()), key, value)
}

type secretWriter interface {
	Set(key, value string) error
}

func setKey(b ConfigBackend, secrets secretWriter, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return secrets.Set(key, value)
	}
	v, err := parseValue(s, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if d, ok := v.(fmt.Stringer); ok {
		// Durations are stored in their readable form.
		v = d.String()
	}
	return b.Set(key, v)
}

// ValidKeys returns the sorted list of config key names.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	sort.Strings(keys)
	return keys
}
