package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/0019-KDU/online-lab-env/internal/session"
)

// Template categories
const (
	CategoryNetworkSecurity = "network-security"
	CategoryWebSecurity     = "web-security"
	CategoryForensics       = "forensics"
	CategoryMalwareAnalysis = "malware-analysis"
	CategoryGeneral         = "general"
)

var validCategories = map[string]bool{
	CategoryNetworkSecurity: true,
	CategoryWebSecurity:     true,
	CategoryForensics:       true,
	CategoryMalwareAnalysis: true,
	CategoryGeneral:         true,
}

// Template describes a lab a user can start
type Template struct {
	ID                string            `yaml:"id"`
	Name              string            `yaml:"name"`
	Description       string            `yaml:"description"`
	Category          string            `yaml:"category"`
	Image             string            `yaml:"image"`
	Resources         TemplateResources `yaml:"resources"`
	PreInstalledTools []string          `yaml:"preInstalledTools"`
	DurationMinutes   int               `yaml:"durationMinutes"`
	Active            *bool             `yaml:"active"`
}

type TemplateResources struct {
	CPU          string `yaml:"cpu"`
	Memory       string `yaml:"memory"`
	Storage      string `yaml:"storage"`
	StorageClass string `yaml:"storageClass"`
}

// IsActive reports whether the template can be started. Templates are active
// unless explicitly disabled.
func (t Template) IsActive() bool {
	return t.Active == nil || *t.Active
}

// Profile converts the template into a deployable profile
func (t Template) Profile() session.Profile {
	return session.Profile{
		TemplateID:   t.ID,
		Image:        t.Image,
		CPU:          t.Resources.CPU,
		Memory:       t.Resources.Memory,
		Storage:      t.Resources.Storage,
		StorageClass: t.Resources.StorageClass,
		Duration:     time.Duration(t.DurationMinutes) * time.Minute,
	}
}

type catalogFile struct {
	Templates []Template `yaml:"templates"`
}

// Catalog is the set of startable lab templates plus the default profile
type Catalog struct {
	def       session.Profile
	templates map[string]Template
}

// NewCatalog builds a catalog. Missing template fields fall back to def.
func NewCatalog(def session.Profile, templates []Template) (*Catalog, error) {
	c := &Catalog{def: def, templates: make(map[string]Template, len(templates))}
	for _, t := range templates {
		if t.ID == "" {
			return nil, fmt.Errorf("template %q has no id", t.Name)
		}
		if _, dup := c.templates[t.ID]; dup {
			return nil, fmt.Errorf("duplicate template id %q", t.ID)
		}
		t = withDefaults(t, def)
		if !validCategories[t.Category] {
			return nil, fmt.Errorf("template %q: unknown category %q", t.ID, t.Category)
		}
		if err := ValidateProfile(t.Profile()); err != nil {
			return nil, fmt.Errorf("template %q: %w", t.ID, err)
		}
		c.templates[t.ID] = t
	}
	return c, nil
}

// LoadCatalog reads templates from a YAML file. An empty path yields a
// catalog holding only the default profile.
func LoadCatalog(path string, def session.Profile) (*Catalog, error) {
	if path == "" {
		return NewCatalog(def, nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse template catalog: %w", err)
	}
	return NewCatalog(def, file.Templates)
}

func withDefaults(t Template, def session.Profile) Template {
	if t.Category == "" {
		t.Category = CategoryGeneral
	}
	if t.Image == "" {
		t.Image = def.Image
	}
	if t.Resources.CPU == "" {
		t.Resources.CPU = def.CPU
	}
	if t.Resources.Memory == "" {
		t.Resources.Memory = def.Memory
	}
	if t.Resources.Storage == "" {
		t.Resources.Storage = def.Storage
	}
	if t.Resources.StorageClass == "" {
		t.Resources.StorageClass = def.StorageClass
	}
	if t.DurationMinutes == 0 {
		t.DurationMinutes = int(def.Duration / time.Minute)
	}
	return t
}

// Default returns the profile used when no template is requested
func (c *Catalog) Default() session.Profile {
	return c.def
}

// Lookup returns the profile of an active template
func (c *Catalog) Lookup(id string) (session.Profile, bool) {
	t, ok := c.templates[id]
	if !ok || !t.IsActive() {
		return session.Profile{}, false
	}
	return t.Profile(), true
}

// Templates returns the active templates sorted by name
func (c *Catalog) Templates() []Template {
	out := make([]Template, 0, len(c.templates))
	for _, t := range c.templates {
		if t.IsActive() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
