package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Load reads settings from path over the defaults, then applies the
// environment. An empty path skips the file. Environment references in
// the file are expanded before parsing.
func Load(path string) (Settings, error) {
	s := Default()
	if strings.TrimSpace(path) != "" {
		if err := decodeFile(path, &s); err != nil {
			return Settings{}, err
		}
	}
	if err := s.finish(); err != nil {
		return Settings{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return s, nil
}

// MustLoad is Load that panics on error.
func MustLoad(path string) Settings {
	s, err := Load(path)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return s
}

func decodeFile(path string, dst *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	expanded := []byte(os.ExpandEnv(string(data)))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(expanded, dst); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		return nil
	case ".yaml", ".yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to parse config %s: expected single document", path)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}
