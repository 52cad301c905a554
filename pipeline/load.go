// ABOUTME: YAML loading for pipeline definitions from bytes, single files, or a directory of files.
// ABOUTME: Loading only decodes; callers run Validate/ValidateOrError before handing definitions to the engine.
package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a single YAML pipeline definition. Unknown fields are rejected
// so typos in status or transition keys surface at load time.
func Parse(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	return &def, nil
}

// LoadFile reads and decodes the pipeline definition at path.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDir decodes every *.yaml / *.yml file in dir, sorted by file name.
// Duplicate pipeline IDs across files are rejected.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pipelines dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		def, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("pipeline id %q declared in both %s and %s", def.ID, prev, name)
		}
		seen[def.ID] = name
		defs = append(defs, def)
	}
	return defs, nil
}
