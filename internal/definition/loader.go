// Package definition loads wizard schemas from YAML, validates them and
// serves them from a registry with atomic snapshot swap.
package definition

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/offerdesk/model"
)

// Loader scans directories for wizard schema files and computes SHA-256
// checksums of their contents.
type Loader struct{}

// NewLoader creates a new schema Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml, *.yml and *.json files.
func (l *Loader) LoadAll(directories []string) ([]model.WizardSchema, error) {
	var schemas []model.WizardSchema

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".yaml", ".yml", ".json":
			default:
				return nil
			}

			s, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			schemas = append(schemas, s)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return schemas, nil
}

// LoadFile parses a single schema file.
func (l *Loader) LoadFile(path string) (model.WizardSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WizardSchema{}, fmt.Errorf("reading %s: %w", path, err)
	}

	s, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		return model.WizardSchema{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	s.SourceFile = path
	return s, nil
}

// Parse decodes a schema document from YAML, or JSON when isJSON is set.
func Parse(data []byte, isJSON bool) (model.WizardSchema, error) {
	var s model.WizardSchema
	var err error
	if isJSON {
		err = json.Unmarshal(data, &s)
	} else {
		err = yaml.Unmarshal(data, &s)
	}
	if err != nil {
		return model.WizardSchema{}, err
	}
	s.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return s, nil
}
