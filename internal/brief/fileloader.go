package brief

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileStore is a [Store] loaded once from a YAML file holding a list of
// briefs. Lookups are in-memory and case-insensitive on account.
type FileStore struct {
	briefs map[string]*Brief
}

// Compile-time interface check.
var _ Store = (*FileStore)(nil)

// briefFile is the YAML document shape.
type briefFile struct {
	Briefs []Brief `yaml:"briefs"`
}

// NewFileStore reads and indexes the YAML brief file at path.
func NewFileStore(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("brief: read %q: %w", path, err)
	}

	var doc briefFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("brief: parse %q: %w", path, err)
	}

	fs := &FileStore{briefs: make(map[string]*Brief, len(doc.Briefs))}
	for i := range doc.Briefs {
		b := &doc.Briefs[i]
		if b.Account == "" {
			return nil, fmt.Errorf("brief: %q: briefs[%d] has no account", path, i)
		}
		for f := range b.Meddic {
			if !f.IsValid() {
				return nil, fmt.Errorf("brief: %q: briefs[%d] has invalid meddic field %q", path, i, f)
			}
		}
		fs.briefs[strings.ToLower(b.Account)] = b
	}
	return fs, nil
}

// Get implements [Store].
func (fs *FileStore) Get(_ context.Context, account string) (*Brief, error) {
	b, ok := fs.briefs[strings.ToLower(account)]
	if !ok {
		return nil, nil
	}
	return b, nil
}
