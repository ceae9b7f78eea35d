package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// PromptProfile is a named system instruction, optionally pinned to a model.
type PromptProfile struct {
	System string `yaml:"system"`
	Model  string `yaml:"model,omitempty"`
}

// Prompts is the content of a prompts file:
//
//	default: legal
//	profiles:
//	  legal:
//	    system: You are a helpful legal assistant...
//	  plain:
//	    system: Answer in plain English.
//	    model: gpt-4o-mini
type Prompts struct {
	Default  string                   `yaml:"default"`
	Profiles map[string]PromptProfile `yaml:"profiles"`
}

// LoadPrompts reads and validates a YAML prompts file.
func LoadPrompts(path string) (Prompts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Prompts{}, fmt.Errorf("read prompts file: %w", err)
	}
	var p Prompts
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Prompts{}, fmt.Errorf("parse prompts file %s: %w", path, err)
	}
	if len(p.Profiles) == 0 {
		return Prompts{}, fmt.Errorf("prompts file %s defines no profiles", path)
	}
	for name, profile := range p.Profiles {
		if strings.TrimSpace(profile.System) == "" {
			return Prompts{}, fmt.Errorf("prompt profile %q has no system instruction", name)
		}
	}
	return p, nil
}

// Resolve returns the named profile, falling back to the file's default. With
// no name and no default, a file holding a single profile resolves to it.
func (p Prompts) Resolve(name string) (PromptProfile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.TrimSpace(p.Default)
	}
	if name == "" && len(p.Profiles) == 1 {
		for _, profile := range p.Profiles {
			return profile, nil
		}
	}
	if profile, ok := p.Profiles[name]; ok {
		return profile, nil
	}
	return PromptProfile{}, fmt.Errorf("unknown prompt profile %q (have %s)", name, strings.Join(p.Names(), ", "))
}

// Names lists the profile names in order.
func (p Prompts) Names() []string {
	names := make([]string, 0, len(p.Profiles))
	for name := range p.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
