package blade

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"
)

// DefaultSuffix is the file suffix FSStore appends to template ids.
const DefaultSuffix = ".blade.html"

// SourceStore resolves a template id to its source text. A missing template must
// be reported with an error wrapping ErrTemplateNotFound.
type SourceStore interface {
	Read(name string) (string, error)
}

// Lister is implemented by stores that can enumerate their templates.
type Lister interface {
	List() ([]string, error)
}

// FSStore reads templates from a filesystem. The id "layouts.main" maps to the file
// "layouts/main" plus the suffix.
type FSStore struct {
	fsys   fs.FS
	suffix string
}

// NewFSStore returns a store over fsys. An empty suffix selects DefaultSuffix.
func NewFSStore(fsys fs.FS, suffix string) *FSStore {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	return &FSStore{fsys: fsys, suffix: suffix}
}

func (s *FSStore) Suffix() string { return s.suffix }

// Path returns the slash separated file path for a template id.
func (s *FSStore) Path(name string) string {
	return strings.ReplaceAll(normalizeName(name), ".", "/") + s.suffix
}

// NameFromPath is the inverse of Path. It reports false for files without the suffix.
func (s *FSStore) NameFromPath(path string) (string, bool) {
	path = strings.TrimPrefix(strings.ReplaceAll(path, "\\", "/"), "./")
	if !strings.HasSuffix(path, s.suffix) {
		return "", false
	}
	return normalizeName(strings.TrimSuffix(path, s.suffix)), true
}

func (s *FSStore) Read(name string) (string, error) {
	path := s.Path(name)
	raw, err := fs.ReadFile(s.fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, path)
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// List walks the filesystem and returns the ids of all templates, sorted.
func (s *FSStore) List() ([]string, error) {
	var names []string
	err := fs.WalkDir(s.fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if name, ok := s.NameFromPath(path); ok {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

// MapStore serves templates from memory, keyed by template id.
type MapStore map[string]string

// NewMapStore copies sources into a MapStore, normalizing the keys.
func NewMapStore(sources map[string]string) MapStore {
	m := make(MapStore, len(sources))
	for k, v := range sources {
		m[normalizeName(k)] = v
	}
	return m
}

func (m MapStore) Read(name string) (string, error) {
	src, ok := m[normalizeName(name)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return src, nil
}

func (m MapStore) List() ([]string, error) {
	return slices.Sorted(maps.Keys(m)), nil
}
