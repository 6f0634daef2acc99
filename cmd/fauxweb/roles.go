package main

import (
	"errors"

	"go.uber.org/zap"

	"github.com/vnmchuo/fauxweb/config"
	"github.com/vnmchuo/fauxweb/internal/provider"
	"github.com/vnmchuo/fauxweb/internal/provider/claude"
	"github.com/vnmchuo/fauxweb/internal/provider/gemini"
	"github.com/vnmchuo/fauxweb/internal/provider/openai"
	"github.com/vnmchuo/fauxweb/internal/proxy"
)

// fallbackProvider serves image and video when the text provider cannot.
const fallbackProvider = "google"

func newRegistry() *provider.Registry {
	return provider.NewRegistry(
		gemini.Spec(),
		openai.Spec(),
		openai.GroqSpec(),
		claude.Spec(),
	)
}

// resolveRoles fills in provider, model and key for every role and validates
// them. A text role problem is fatal. Image and video roles only need to be
// supported; a missing key for them is logged and their requests will fall
// back to placeholders.
func resolveRoles(reg *provider.Registry, cfg *config.Config, log *zap.Logger) (proxy.Roles, error) {
	text := resolveRole(reg, provider.RoleText, cfg.Text, cfg.Text.Provider, nil)
	if err := reg.Validate(provider.RoleText, text); err != nil {
		return proxy.Roles{}, err
	}

	roles := proxy.Roles{Text: text}
	for _, r := range []struct {
		role provider.Role
		in   config.Role
		out  *provider.Config
	}{
		{provider.RoleImage, cfg.Image, &roles.Image},
		{provider.RoleVideo, cfg.Video, &roles.Video},
	} {
		resolved := resolveRole(reg, r.role, r.in, text.Provider, &text)
		if err := reg.Validate(r.role, resolved); err != nil {
			if errors.Is(err, provider.ErrUnsupportedProvider) {
				return proxy.Roles{}, err
			}
			log.Warn("generation role is not usable", zap.String("role", string(r.role)), zap.Error(err))
		}
		*r.out = resolved
	}
	return roles, nil
}

// resolveRole applies defaults to one role. preferred is used when in names
// no provider; text, when set, lends its key to a role on the same provider.
func resolveRole(reg *provider.Registry, role provider.Role, in config.Role, preferred string, text *provider.Config) provider.Config {
	var name, model string
	if in.Provider == "" {
		name, model = reg.Defaults(role, preferred, fallbackProvider)
	} else {
		name = reg.Normalize(in.Provider)
		if s, ok := reg.Lookup(name); ok {
			model = s.Role(role).DefaultModel
		}
	}
	if in.Model != "" {
		model = in.Model
	}

	key := in.APIKey
	if key == "" && text != nil && text.Provider == name {
		key = text.APIKey
	}
	if key == "" {
		if s, ok := reg.Lookup(name); ok {
			key = s.ResolveAPIKey()
		}
	}
	return provider.Config{Provider: name, Model: model, APIKey: key}
}
