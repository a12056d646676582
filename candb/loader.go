package candb

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Loader parses one database file.
type Loader func(path string) (*Database, error)

var loaders = map[string]Loader{
	".dbc": loadDBC,
	".csv": loadCSVMap,
}

// Load parses path with the loader registered for its extension.
func Load(path string) (*Database, error) {
	ext := strings.ToLower(filepath.Ext(path))
	l, ok := loaders[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: .dbc, .csv)", ErrUnsupportedFormat, filepath.Base(path))
	}
	return l(path)
}

// KeyFor returns the registry key a database file is loaded under.
func KeyFor(path string) string { return filepath.Base(path) }
