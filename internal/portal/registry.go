// Package portal holds the curated registry of procurement portals the
// scanner crawls.
package portal

import (
	"fmt"
	"net/url"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
)

// Registry is an immutable, id-indexed set of portal descriptors.
type Registry struct {
	order []string
	byID  map[string]model.PortalDescriptor
}

// NewRegistry validates descriptors and builds a Registry. Descriptor order
// is preserved for All and Enabled.
func NewRegistry(descriptors []model.PortalDescriptor) (*Registry, error) {
	r := &Registry{byID: make(map[string]model.PortalDescriptor, len(descriptors))}
	for _, d := range descriptors {
		if err := Validate(d); err != nil {
			return nil, err
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("portal %q: duplicate id", d.ID)
		}
		if d.MaxConcurrency < 1 {
			d.MaxConcurrency = 1
		}
		r.order = append(r.order, d.ID)
		r.byID[d.ID] = d
	}
	return r, nil
}

// Validate checks a single descriptor.
func Validate(d model.PortalDescriptor) error {
	if d.ID == "" {
		return fmt.Errorf("portal descriptor without id")
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("portal %q: unknown adapter kind %q", d.ID, d.Kind)
	}
	u, err := url.Parse(d.BaseURL)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("portal %q: base url must be absolute, got %q", d.ID, d.BaseURL)
	}
	if d.Cadence <= 0 {
		return fmt.Errorf("portal %q: cadence must be positive", d.ID)
	}
	if d.Kind == model.AdapterCSVFeed {
		if d.Selectors.ExternalID == "" || d.Selectors.Title == "" {
			return fmt.Errorf("portal %q: csv feeds need reference and title columns", d.ID)
		}
	} else if d.Selectors.Row == "" {
		return fmt.Errorf("portal %q: row selector is required", d.ID)
	}
	if d.AuthRequired != (d.Kind == model.AdapterAuthenticated) {
		return fmt.Errorf("portal %q: auth_required must be set exactly for the %s adapter", d.ID, model.AdapterAuthenticated)
	}
	if d.MaxConcurrency < 0 {
		return fmt.Errorf("portal %q: max_concurrency must not be negative", d.ID)
	}
	if d.Kind == model.AdapterPaginatedSearch && d.Selectors.PageURL == "" {
		return fmt.Errorf("portal %q: paginated portals need a page url template", d.ID)
	}
	if d.Kind == model.AdapterAuthenticated && d.Selectors.LoginURL == "" {
		return fmt.Errorf("portal %q: authenticated portals need a login url", d.ID)
	}
	return nil
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (model.PortalDescriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// All returns every descriptor in registry order.
func (r *Registry) All() []model.PortalDescriptor {
	out := make([]model.PortalDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Enabled returns the enabled descriptors in registry order.
func (r *Registry) Enabled() []model.PortalDescriptor {
	var out []model.PortalDescriptor
	for _, id := range r.order {
		if d := r.byID[id]; d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// IDs returns all portal ids, sorted.
func (r *Registry) IDs() []string {
	ids := append([]string(nil), r.order...)
	sort.Strings(ids)
	return ids
}

// overrideFile is the YAML shape of PORTALS_FILE.
type overrideFile struct {
	Portals []model.PortalDescriptor `yaml:"portals"`
}

// LoadFile overlays the descriptors in a YAML file onto base. Entries whose
// id matches a base descriptor replace it; new ids are appended.
func LoadFile(path string, base []model.PortalDescriptor) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read portals file: %w", err)
	}
	var f overrideFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse portals file %s: %w", path, err)
	}

	merged := append([]model.PortalDescriptor(nil), base...)
	index := make(map[string]int, len(merged))
	for i, d := range merged {
		index[d.ID] = i
	}
	for _, d := range f.Portals {
		if i, ok := index[d.ID]; ok {
			merged[i] = d
			continue
		}
		index[d.ID] = len(merged)
		merged = append(merged, d)
	}
	return NewRegistry(merged)
}
