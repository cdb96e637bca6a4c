package metadata

import (
	"fmt"
	"strings"
	"sync"

	"entitycore/pkg/domain"
)

// Relationship pairs the foreign keys on a dependent type with the navigation
// properties on either side.
type Relationship struct {
	Name          string
	Principal     string
	Dependent     string
	ForeignKeys   []string
	DependentNav  string
	PrincipalNav  string
	PrincipalMany bool
	CascadeDelete bool
}

// Registry holds registered entity types. It is safe for concurrent use;
// registering new types never alters types already registered.
type Registry struct {
	mu          sync.RWMutex
	types       map[string]*EntityType
	order       []string
	byNav       map[string]*Relationship
	dependentOf map[string][]*Relationship
	principalOf map[string][]*Relationship
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types:       make(map[string]*EntityType),
		byNav:       make(map[string]*Relationship),
		dependentOf: make(map[string][]*Relationship),
		principalOf: make(map[string][]*Relationship),
	}
}

// Register adds entity types. Types registered in the same call may reference
// each other in any order. Registering a name twice fails.
func (r *Registry) Register(types ...EntityType) error {
	return r.register(types, false)
}

// EnsureRegistered registers the types whose names are not yet known and
// ignores the rest.
func (r *Registry) EnsureRegistered(types ...EntityType) error {
	return r.register(types, true)
}

// Lookup returns a registered type.
func (r *Registry) Lookup(name string) (*EntityType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Require returns a registered type or a MetadataError.
func (r *Registry) Require(name string) (*EntityType, error) {
	if t, ok := r.Lookup(name); ok {
		return t, nil
	}
	return nil, &domain.MetadataError{Type: name, Reason: "type is not registered"}
}

// Types returns registered types in registration order.
func (r *Registry) Types() []*EntityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*EntityType, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.types[name])
	}
	return out
}

// NavigationRelationship resolves the relationship behind a navigation
// property of t, including inherited navigations.
func (r *Registry) NavigationRelationship(t *EntityType, nav string) (*Relationship, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range t.lineage {
		if rel, ok := r.byNav[name+"."+nav]; ok {
			return rel, true
		}
	}
	return nil, false
}

// DependentRelationships lists relationships in which t holds the foreign keys.
func (r *Registry) DependentRelationships(t *EntityType) []*Relationship {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Relationship
	for _, name := range t.lineage {
		out = append(out, r.dependentOf[name]...)
	}
	return out
}

// PrincipalRelationships lists relationships in which t is referenced.
func (r *Registry) PrincipalRelationships(t *EntityType) []*Relationship {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Relationship
	for _, name := range t.lineage {
		out = append(out, r.principalOf[name]...)
	}
	return out
}

func (r *Registry) register(input []EntityType, skipExisting bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make(map[string]*EntityType, len(input))
	var names []string
	for _, in := range input {
		if strings.TrimSpace(in.Name) == "" {
			return &domain.MetadataError{Reason: "entity type name is required"}
		}
		if _, exists := r.types[in.Name]; exists {
			if skipExisting {
				continue
			}
			return &domain.MetadataError{Type: in.Name, Reason: "type is already registered"}
		}
		if _, dup := pending[in.Name]; dup {
			return &domain.MetadataError{Type: in.Name, Reason: "type declared twice"}
		}
		cp := in.declared()
		pending[in.Name] = &cp
		names = append(names, in.Name)
	}
	if len(pending) == 0 {
		return nil
	}

	combined := make(map[string]*EntityType, len(r.types)+len(pending))
	for name, t := range r.types {
		combined[name] = t
	}
	resolved := make(map[string]bool, len(pending))
	for len(resolved) < len(pending) {
		progress := false
		for _, name := range names {
			if resolved[name] {
				continue
			}
			t := pending[name]
			var base *EntityType
			if t.BaseType != "" {
				b, known := combined[t.BaseType]
				if !known {
					continue
				}
				base = b
			}
			if err := resolveType(t, base); err != nil {
				return err
			}
			combined[name] = t
			resolved[name] = true
			progress = true
		}
		if !progress {
			for _, name := range names {
				if !resolved[name] {
					return &domain.MetadataError{Type: name, Property: pending[name].BaseType, Reason: "unknown base type"}
				}
			}
		}
	}
	for _, name := range names {
		if err := checkNavigations(pending[name], combined); err != nil {
			return err
		}
	}

	order := append(append([]string(nil), r.order...), names...)
	byNav, dependentOf, principalOf, err := buildRelationships(order, combined)
	if err != nil {
		return err
	}
	r.types = combined
	r.order = order
	r.byNav = byNav
	r.dependentOf = dependentOf
	r.principalOf = principalOf
	return nil
}

func resolveType(t *EntityType, base *EntityType) error {
	t.dataIdx = make(map[string]int)
	t.navIdx = make(map[string]int)
	if base == nil {
		t.root = t.Name
		t.lineage = []string{t.Name}
		t.keyGen = t.KeyGeneration
		if t.keyGen == "" {
			t.keyGen = KeyGenerationNone
		}
	} else {
		if len(t.KeyProperties) > 0 {
			return &domain.MetadataError{Type: t.Name, Reason: "subtypes inherit keys and cannot declare their own"}
		}
		if t.KeyGeneration != "" && t.KeyGeneration != base.keyGen {
			return &domain.MetadataError{Type: t.Name, Reason: "subtypes inherit the key generation strategy"}
		}
		t.root = base.root
		t.lineage = append([]string{t.Name}, base.lineage...)
		t.keyGen = base.keyGen
		t.data = append(t.data, base.data...)
		t.navs = append(t.navs, base.navs...)
		t.validators = append(t.validators, base.validators...)
	}
	for i, p := range t.data {
		t.dataIdx[p.Name] = i
	}
	for _, p := range t.DataProperties {
		if strings.TrimSpace(p.Name) == "" {
			return &domain.MetadataError{Type: t.Name, Reason: "data property name is required"}
		}
		if _, dup := t.dataIdx[p.Name]; dup {
			return &domain.MetadataError{Type: t.Name, Property: p.Name, Reason: "duplicate property"}
		}
		if !p.Type.Valid() {
			return &domain.MetadataError{Type: t.Name, Property: p.Name, Reason: fmt.Sprintf("unsupported data type %q", p.Type)}
		}
		if p.MaxLength > 0 && p.Type != TypeString {
			return &domain.MetadataError{Type: t.Name, Property: p.Name, Reason: "maxLength applies to strings only"}
		}
		if p.Default != nil {
			if _, err := p.Normalize(p.Default); err != nil {
				return &domain.MetadataError{Type: t.Name, Property: p.Name, Reason: "invalid default: " + err.Error()}
			}
		}
		for _, v := range p.Validators {
			if err := v.check(false); err != nil {
				return &domain.MetadataError{Type: t.Name, Property: p.Name, Reason: err.Error()}
			}
		}
		t.dataIdx[p.Name] = len(t.data)
		t.data = append(t.data, p)
	}
	for _, v := range t.Validators {
		if err := v.check(true); err != nil {
			return &domain.MetadataError{Type: t.Name, Reason: err.Error()}
		}
	}
	t.validators = append(t.validators, t.Validators...)

	if base == nil {
		if len(t.KeyProperties) == 0 {
			return &domain.MetadataError{Type: t.Name, Reason: "at least one key property is required"}
		}
		for _, k := range t.KeyProperties {
			idx, ok := t.dataIdx[k]
			if !ok {
				return &domain.MetadataError{Type: t.Name, Property: k, Reason: "key property is not a data property"}
			}
			if t.data[idx].Nullable {
				return &domain.MetadataError{Type: t.Name, Property: k, Reason: "key property cannot be nullable"}
			}
			t.keys = append(t.keys, idx)
		}
		if err := checkKeyGeneration(t); err != nil {
			return err
		}
	} else {
		t.keys = append([]int(nil), base.keys...)
	}

	for i, n := range t.navs {
		t.navIdx[n.Name] = i
	}
	for _, n := range t.NavigationProperties {
		if _, dup := t.navIdx[n.Name]; dup {
			return &domain.MetadataError{Type: t.Name, Property: n.Name, Reason: "duplicate navigation property"}
		}
		if _, clash := t.dataIdx[n.Name]; clash {
			return &domain.MetadataError{Type: t.Name, Property: n.Name, Reason: "navigation property clashes with a data property"}
		}
		t.navIdx[n.Name] = len(t.navs)
		t.navs = append(t.navs, n)
	}
	return nil
}

func checkKeyGeneration(t *EntityType) error {
	switch t.keyGen {
	case KeyGenerationNone:
		return nil
	case KeyGenerationIdentity:
		if len(t.keys) != 1 || t.data[t.keys[0]].Type != TypeInt {
			return &domain.MetadataError{Type: t.Name, Reason: "identity key generation needs a single int key"}
		}
	case KeyGenerationClient:
		if len(t.keys) != 1 || (t.data[t.keys[0]].Type != TypeGUID && t.data[t.keys[0]].Type != TypeString) {
			return &domain.MetadataError{Type: t.Name, Reason: "client key generation needs a single guid or string key"}
		}
	default:
		return &domain.MetadataError{Type: t.Name, Reason: fmt.Sprintf("unknown key generation %q", t.keyGen)}
	}
	return nil
}

func checkNavigations(t *EntityType, all map[string]*EntityType) error {
	for _, n := range t.NavigationProperties {
		target, ok := all[n.Target]
		if !ok {
			return &domain.MetadataError{Type: t.Name, Property: n.Name, Reason: fmt.Sprintf("unknown target type %q", n.Target)}
		}
		if n.Cardinality != One && n.Cardinality != Many {
			return &domain.MetadataError{Type: t.Name, Property: n.Name, Reason: fmt.Sprintf("unknown cardinality %q", n.Cardinality)}
		}
		switch {
		case len(n.ForeignKeys) > 0 && len(n.InverseForeignKeys) > 0:
			return &domain.MetadataError{Type: t.Name, Property: n.Name, Reason: "navigation cannot declare both foreign keys and inverse foreign keys"}
		case len(n.ForeignKeys) > 0:
			if n.Cardinality != One {
				return &domain.MetadataError{Type: t.Name, Property: n.Name, Reason: "dependent navigation must have cardinality one"}
			}
			if err := checkForeignKeys(t, n, t, target, n.ForeignKeys); err != nil {
				return err
			}
		case len(n.InverseForeignKeys) > 0:
			if err := checkForeignKeys(t, n, target, t, n.InverseForeignKeys); err != nil {
				return err
			}
		default:
			return &domain.MetadataError{Type: t.Name, Property: n.Name, Reason: "navigation needs foreign keys or inverse foreign keys"}
		}
	}
	return nil
}

func checkForeignKeys(owner *EntityType, n NavigationProperty, dependent, principal *EntityType, fks []string) error {
	keys := principal.Keys()
	if len(fks) != len(keys) {
		return &domain.MetadataError{Type: owner.Name, Property: n.Name, Reason: "foreign key count does not match principal key"}
	}
	for i, fk := range fks {
		p, ok := dependent.Property(fk)
		if !ok {
			return &domain.MetadataError{Type: dependent.Name, Property: fk, Reason: "foreign key is not a data property"}
		}
		if p.Type != keys[i].Type {
			return &domain.MetadataError{Type: dependent.Name, Property: fk, Reason: "foreign key type does not match principal key type"}
		}
	}
	return nil
}

func buildRelationships(order []string, all map[string]*EntityType) (map[string]*Relationship, map[string][]*Relationship, map[string][]*Relationship, error) {
	byName := make(map[string]*Relationship)
	byNav := make(map[string]*Relationship)
	var rels []*Relationship

	for _, name := range order {
		t := all[name]
		for _, n := range t.NavigationProperties {
			if !n.IsDependent() {
				continue
			}
			relName := n.Association
			if relName == "" {
				relName = defaultRelationshipName(t.Name, n.Target, n.ForeignKeys)
			}
			if _, dup := byName[relName]; dup {
				return nil, nil, nil, &domain.MetadataError{Type: t.Name, Property: n.Name, Reason: fmt.Sprintf("association %q declared twice", relName)}
			}
			rel := &Relationship{
				Name:          relName,
				Principal:     n.Target,
				Dependent:     t.Name,
				ForeignKeys:   append([]string(nil), n.ForeignKeys...),
				DependentNav:  n.Name,
				CascadeDelete: n.CascadeDelete,
			}
			byName[relName] = rel
			byNav[t.Name+"."+n.Name] = rel
			rels = append(rels, rel)
		}
	}
	for _, name := range order {
		t := all[name]
		for _, n := range t.NavigationProperties {
			if n.IsDependent() {
				continue
			}
			var rel *Relationship
			if n.Association != "" {
				rel = byName[n.Association]
			} else {
				for _, candidate := range rels {
					if candidate.Dependent == n.Target && candidate.Principal == t.Name && sameNames(candidate.ForeignKeys, n.InverseForeignKeys) {
						rel = candidate
						break
					}
				}
			}
			if rel == nil {
				relName := n.Association
				if relName == "" {
					relName = defaultRelationshipName(n.Target, t.Name, n.InverseForeignKeys)
				}
				rel = &Relationship{
					Name:        relName,
					Principal:   t.Name,
					Dependent:   n.Target,
					ForeignKeys: append([]string(nil), n.InverseForeignKeys...),
				}
				byName[relName] = rel
				rels = append(rels, rel)
			} else if rel.PrincipalNav != "" {
				return nil, nil, nil, &domain.MetadataError{Type: t.Name, Property: n.Name, Reason: fmt.Sprintf("association %q already has a principal navigation", rel.Name)}
			}
			rel.PrincipalNav = n.Name
			rel.PrincipalMany = n.Cardinality == Many
			rel.CascadeDelete = rel.CascadeDelete || n.CascadeDelete
			byNav[t.Name+"."+n.Name] = rel
		}
	}

	dependentOf := make(map[string][]*Relationship)
	principalOf := make(map[string][]*Relationship)
	for _, rel := range rels {
		dependentOf[rel.Dependent] = append(dependentOf[rel.Dependent], rel)
		principalOf[rel.Principal] = append(principalOf[rel.Principal], rel)
	}
	return byNav, dependentOf, principalOf, nil
}

func defaultRelationshipName(dependent, principal string, fks []string) string {
	return dependent + "_" + principal + "_" + strings.Join(fks, "_")
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
