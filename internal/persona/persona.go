// Package persona holds the catalogue of assistant personas.  A persona is
// plain configuration: the system prompt placed at the head of every
// completion request, the sampling temperature, and whether voice replies are
// switched on for new sessions.  Keeping the prompts in a TOML file makes them
// easy to tweak without touching the rest of the code.
package persona

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

//go:embed personas.toml
var builtin string

// ErrUnknownVariant is returned by Lookup for names not in the catalogue.
var ErrUnknownVariant = errors.New("unknown persona variant")

// Variant is one persona record.
type Variant struct {
	Name               string  `toml:"name" json:"name"`
	Title              string  `toml:"title" json:"title"`
	SystemPrompt       string  `toml:"system_prompt" json:"-"`
	Temperature        float32 `toml:"temperature" json:"temperature"`
	VoiceOutputDefault bool    `toml:"voice_output_default" json:"voice_output_default"`
}

// Validate checks the fields the orchestrator relies on.
func (v Variant) Validate() error {
	if strings.TrimSpace(v.Name) == "" {
		return errors.New("persona: name is required")
	}
	if strings.TrimSpace(v.SystemPrompt) == "" {
		return fmt.Errorf("persona %q: system_prompt is required", v.Name)
	}
	if v.Temperature < 0 || v.Temperature > 2 {
		return fmt.Errorf("persona %q: temperature %.2f out of range [0, 2]", v.Name, v.Temperature)
	}
	return nil
}

// file mirrors the on-disk TOML layout.
type file struct {
	Default         string    `toml:"default"`
	EmergencyNotice string    `toml:"emergency_notice"`
	Variants        []Variant `toml:"variant"`
}

// Catalogue is the set of variants loaded at startup.  It is read-only after
// Load returns.
type Catalogue struct {
	variants        map[string]Variant
	defaultName     string
	EmergencyNotice string
}

// Builtin parses the embedded catalogue.
func Builtin() (*Catalogue, error) {
	return parse(builtin, nil)
}

// Load parses the embedded catalogue and, when path is non-empty, merges the
// variants from that file over it.  Variants in the file replace built-in
// ones of the same name.
func Load(path string) (*Catalogue, error) {
	c, err := Builtin()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read persona file: %w", err)
	}
	return parse(string(data), c)
}

func parse(data string, base *Catalogue) (*Catalogue, error) {
	var f file
	if _, err := toml.Decode(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse persona catalogue: %w", err)
	}
	c := base
	if c == nil {
		c = &Catalogue{variants: make(map[string]Variant)}
	}
	for _, v := range f.Variants {
		v.Name = strings.TrimSpace(v.Name)
		v.SystemPrompt = strings.TrimSpace(v.SystemPrompt)
		if err := v.Validate(); err != nil {
			return nil, err
		}
		if v.Title == "" {
			v.Title = v.Name
		}
		c.variants[v.Name] = v
	}
	if f.Default != "" {
		c.defaultName = f.Default
	}
	if f.EmergencyNotice != "" {
		c.EmergencyNotice = f.EmergencyNotice
	}
	if _, ok := c.variants[c.defaultName]; !ok {
		return nil, fmt.Errorf("default persona %q: %w", c.defaultName, ErrUnknownVariant)
	}
	return c, nil
}

// SetDefault changes the variant used when a session does not ask for one.
func (c *Catalogue) SetDefault(name string) error {
	if _, ok := c.variants[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVariant, name)
	}
	c.defaultName = name
	return nil
}

// Default returns the default variant.
func (c *Catalogue) Default() Variant {
	return c.variants[c.defaultName]
}

// Lookup returns the named variant.  An empty name yields the default.
func (c *Catalogue) Lookup(name string) (Variant, error) {
	if name == "" {
		return c.Default(), nil
	}
	v, ok := c.variants[name]
	if !ok {
		return Variant{}, fmt.Errorf("%w: %s", ErrUnknownVariant, name)
	}
	return v, nil
}

// List returns all variants sorted by name.
func (c *Catalogue) List() []Variant {
	out := make([]Variant, 0, len(c.variants))
	for _, v := range c.variants {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
