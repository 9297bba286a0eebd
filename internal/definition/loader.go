// Package definition loads predefined recovery plans from YAML files and
// validates them before they are handed to the plan registry.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/memoright/memoright-ops/model"
)

// Definition is a plan parsed from one YAML file.
type Definition struct {
	Plan       model.Plan
	Checksum   string
	SourceFile string
}

// Loader scans directories for YAML plan files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new plan definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and
// parses each into a Definition. Results are ordered by source path.
func (l *Loader) LoadAll(directories []string) ([]Definition, error) {
	var defs []Definition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	sort.SliceStable(defs, func(i, j int) bool { return defs[i].SourceFile < defs[j].SourceFile })
	return defs, nil
}

// LoadFile loads and parses a single YAML plan file. Unknown keys are
// rejected so that typos do not silently drop settings.
func (l *Loader) LoadFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var plan model.Plan
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil {
		return Definition{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	plan.Reset()

	return Definition{
		Plan:       plan,
		Checksum:   fmt.Sprintf("%x", sha256.Sum256(data)),
		SourceFile: path,
	}, nil
}

// Plans returns the plans of defs in order.
func Plans(defs []Definition) []model.Plan {
	out := make([]model.Plan, len(defs))
	for i, d := range defs {
		out[i] = d.Plan
	}
	return out
}
