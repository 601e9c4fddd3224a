package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/psantana5/pipewatch/pkg/models"
)

// DefinitionFile is one pipeline definition on disk. A file names a
// pipeline once; the reconciler never registers the same name twice.
type DefinitionFile struct {
	Name       string   `yaml:"name"`
	Engine     string   `yaml:"engine"`
	Args       []string `yaml:"args"`
	Binary     string   `yaml:"binary"`
	AllowBlock bool     `yaml:"allow_block"`
	Autostart  bool     `yaml:"autostart"`
}

// Definition converts the file into the registry's definition type
func (f *DefinitionFile) Definition() models.Definition {
	return models.Definition{
		Engine: f.Engine,
		Args:   f.Args,
		Binary: f.Binary,
	}
}

// LoadDefinition reads and validates a single pipeline definition file.
// A missing name defaults to the file name without its extension.
func LoadDefinition(path string) (*DefinitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}

	var def DefinitionFile
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse definition file %s: %w", path, err)
	}

	if def.Name == "" {
		base := filepath.Base(path)
		def.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if err := def.Definition().Validate(); err != nil {
		return nil, fmt.Errorf("invalid definition %s: %w", path, err)
	}
	return &def, nil
}

// LoadDefinitionsDir loads every .yaml/.yml definition in a directory,
// sorted by file name for a stable registration order.
func LoadDefinitionsDir(dir string) ([]*DefinitionFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)

	defs := make([]*DefinitionFile, 0, len(paths))
	for _, path := range paths {
		def, err := LoadDefinition(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
