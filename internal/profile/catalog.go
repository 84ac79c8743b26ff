// Package profile loads named provider and voice presets used when opening a
// session.
package profile

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/voicebench/internal/protocol"
)

var ErrNotFound = errors.New("profile not found")

const DefaultName = "default"

type Profile struct {
	Name         string                  `yaml:"-" json:"name"`
	Mode         string                  `yaml:"mode" json:"mode"`
	Provider     protocol.ProviderConfig `yaml:"provider" json:"provider"`
	SystemPrompt string                  `yaml:"system_prompt" json:"system_prompt,omitempty"`
	Roles        protocol.RoleLabels     `yaml:"roles" json:"roles"`
	BargeIn      *bool                   `yaml:"barge_in" json:"barge_in,omitempty"`
}

// BargeInEnabled resolves the profile flag against the process default.
func (p Profile) BargeInEnabled(fallback bool) bool {
	if p.BargeIn == nil {
		return fallback
	}
	return *p.BargeIn
}

type catalogFile struct {
	Default  string             `yaml:"default"`
	Profiles map[string]Profile `yaml:"profiles"`
}

// Catalog is immutable after load.
type Catalog struct {
	defaultName string
	profiles    map[string]Profile
}

// Builtin returns a catalog holding only the default profile.
func Builtin(mode string, bargeIn bool) *Catalog {
	if mode == "" {
		mode = protocol.ModeRealtime
	}
	b := bargeIn
	return &Catalog{
		defaultName: DefaultName,
		profiles: map[string]Profile{
			DefaultName: {
				Name:     DefaultName,
				Mode:     mode,
				Provider: protocol.ProviderConfig{Realtime: "agentsim", Voice: "tone"},
				Roles:    protocol.RoleLabels{User: "user", Agent: "assistant"},
				BargeIn:  &b,
			},
		},
	}
}

// Load reads a YAML catalog. An empty path yields the builtin catalog.
func Load(path, mode string, bargeIn bool) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Builtin(mode, bargeIn), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	if len(f.Profiles) == 0 {
		return nil, errors.New("profiles file defines no profiles")
	}

	c := &Catalog{profiles: make(map[string]Profile, len(f.Profiles))}
	for name, p := range f.Profiles {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errors.New("profile name must not be empty")
		}
		p.Name = name
		p.Mode = strings.ToLower(strings.TrimSpace(p.Mode))
		switch p.Mode {
		case "":
			p.Mode = protocol.ModeRealtime
		case protocol.ModeRealtime, protocol.ModeStaged:
		default:
			return nil, fmt.Errorf("profile %q: mode must be realtime|staged, got %q", name, p.Mode)
		}
		c.profiles[name] = p
	}

	c.defaultName = strings.TrimSpace(f.Default)
	if c.defaultName == "" {
		if _, ok := c.profiles[DefaultName]; ok {
			c.defaultName = DefaultName
		} else {
			c.defaultName = c.Names()[0]
		}
	}
	if _, ok := c.profiles[c.defaultName]; !ok {
		return nil, fmt.Errorf("default profile %q: %w", c.defaultName, ErrNotFound)
	}
	return c, nil
}

// Get returns the named profile; an empty name selects the default.
func (c *Catalog) Get(name string) (Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = c.defaultName
	}
	p, ok := c.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return p, nil
}

func (c *Catalog) DefaultName() string { return c.defaultName }

func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.profiles))
	for name := range c.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
