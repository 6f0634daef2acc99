package provider

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
)

// RoleSpec describes what a provider offers for one role.
type RoleSpec struct {
	Supported    bool
	DefaultModel string
	Models       []string
}

// Spec is a catalogue entry for one provider.
type Spec struct {
	Name    string
	Aliases []string
	// EnvKeys are checked in order when no explicit API key is given.
	EnvKeys []string
	Text    RoleSpec
	Image   RoleSpec
	Video   RoleSpec
	New     Factory
}

// Role returns the RoleSpec for r.
func (s *Spec) Role(r Role) RoleSpec {
	switch r {
	case RoleText:
		return s.Text
	case RoleImage:
		return s.Image
	case RoleVideo:
		return s.Video
	}
	return RoleSpec{}
}

// ResolveAPIKey returns the first non-empty value among the spec's
// environment variables.
func (s *Spec) ResolveAPIKey() string {
	for _, k := range s.EnvKeys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Registry is the closed set of providers known to the process.
type Registry struct {
	specs   map[string]*Spec
	aliases map[string]string
}

func NewRegistry(specs ...Spec) *Registry {
	r := &Registry{
		specs:   make(map[string]*Spec, len(specs)),
		aliases: make(map[string]string),
	}
	for i := range specs {
		s := specs[i]
		r.specs[s.Name] = &s
		r.aliases[s.Name] = s.Name
		for _, a := range s.Aliases {
			r.aliases[strings.ToLower(a)] = s.Name
		}
	}
	return r
}

// Lookup resolves a provider name or alias.
func (r *Registry) Lookup(name string) (*Spec, bool) {
	canonical, ok := r.aliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	return r.specs[canonical], true
}

// Normalize maps an alias to the canonical provider name. Unknown names are
// returned unchanged.
func (r *Registry) Normalize(name string) string {
	if s, ok := r.Lookup(name); ok {
		return s.Name
	}
	return name
}

// Names returns canonical provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for n := range r.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Supporting returns every name and alias whose provider supports role.
func (r *Registry) Supporting(role Role) []string {
	var out []string
	for alias, canonical := range r.aliases {
		if r.specs[canonical].Role(role).Supported {
			out = append(out, alias)
		}
	}
	sort.Strings(out)
	return out
}

// Validate checks that cfg names a known provider supporting role, and that
// the model is one the catalogue lists when it lists any.
func (r *Registry) Validate(role Role, cfg Config) error {
	s, ok := r.Lookup(cfg.Provider)
	if !ok || !s.Role(role).Supported || s.New == nil {
		return &UnsupportedError{Provider: cfg.Provider, Role: role}
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("no API key for %s provider '%s'", role, s.Name)
	}
	rs := s.Role(role)
	if cfg.Model != "" && len(rs.Models) > 0 && !slices.Contains(rs.Models, cfg.Model) {
		return fmt.Errorf("model '%s' is not available for %s provider '%s' (choices: %s)",
			cfg.Model, role, s.Name, strings.Join(rs.Models, ", "))
	}
	return nil
}

// Defaults picks the provider and default model for role, falling back to
// fallback when the preferred provider does not support it.
func (r *Registry) Defaults(role Role, preferred, fallback string) (string, string) {
	if s, ok := r.Lookup(preferred); ok && s.Role(role).Supported {
		return s.Name, s.Role(role).DefaultModel
	}
	if s, ok := r.Lookup(fallback); ok {
		return s.Name, s.Role(role).DefaultModel
	}
	return preferred, ""
}
