// Package prompt renders the generation prompts. Templates are read from an
// override directory on every call, so they can be edited while the server is
// running, and fall back to the copies built into the binary.
package prompt

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed templates/*.txt
var builtin embed.FS

const (
	HTML  = "html"
	Image = "image"
	Video = "video"
)

type Store struct {
	dir string
}

// NewStore returns a store reading overrides from dir. An empty dir uses only
// the built-in templates.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Render loads the template called name and replaces every ###key###
// placeholder with vars[key]. Placeholders without a value are left as is.
func (s *Store) Render(name string, vars map[string]string) (string, error) {
	tmpl, err := s.load(name)
	if err != nil {
		return "", err
	}
	return Interpolate(tmpl, vars), nil
}

func (s *Store) load(name string) (string, error) {
	file := name + ".txt"
	if s.dir != "" {
		b, err := os.ReadFile(filepath.Join(s.dir, file))
		if err == nil {
			return string(b), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("reading prompt %s: %w", name, err)
		}
	}
	b, err := builtin.ReadFile("templates/" + file)
	if err != nil {
		return "", fmt.Errorf("unknown prompt %q", name)
	}
	return string(b), nil
}

// Interpolate substitutes ###key### placeholders. Keys are applied in sorted
// order.
func Interpolate(tmpl string, vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tmpl = strings.ReplaceAll(tmpl, "###"+k+"###", vars[k])
	}
	return tmpl
}
