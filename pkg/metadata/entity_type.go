package metadata

// NavigationProperty describes a reference (One) or collection (Many) to
// another entity type. A dependent-side navigation lists the foreign keys on
// its own type; a principal-side navigation lists the foreign keys on the
// target type in InverseForeignKeys.
type NavigationProperty struct {
	Name               string      `json:"name" yaml:"name"`
	Target             string      `json:"target" yaml:"target"`
	Cardinality        Cardinality `json:"cardinality" yaml:"cardinality"`
	Association        string      `json:"association,omitempty" yaml:"association,omitempty"`
	ForeignKeys        []string    `json:"foreignKeys,omitempty" yaml:"foreignKeys,omitempty"`
	InverseForeignKeys []string    `json:"inverseForeignKeys,omitempty" yaml:"inverseForeignKeys,omitempty"`
	CascadeDelete      bool        `json:"cascadeDelete,omitempty" yaml:"cascadeDelete,omitempty"`
}

// IsDependent reports whether the foreign keys live on the declaring type.
func (n NavigationProperty) IsDependent() bool { return len(n.ForeignKeys) > 0 }

// EntityType describes one entity shape. The exported fields are the declared
// form found in metadata documents; inherited members are resolved when the
// type is registered and must not be mutated afterwards.
type EntityType struct {
	Name                 string               `json:"name" yaml:"name"`
	BaseType             string               `json:"baseType,omitempty" yaml:"baseType,omitempty"`
	KeyProperties        []string             `json:"keyProperties,omitempty" yaml:"keyProperties,omitempty"`
	KeyGeneration        KeyGeneration        `json:"keyGeneration,omitempty" yaml:"keyGeneration,omitempty"`
	DataProperties       []DataProperty       `json:"dataProperties" yaml:"dataProperties"`
	NavigationProperties []NavigationProperty `json:"navigationProperties,omitempty" yaml:"navigationProperties,omitempty"`
	Validators           []ValidatorSpec      `json:"validators,omitempty" yaml:"validators,omitempty"`

	root       string
	lineage    []string
	keyGen     KeyGeneration
	data       []DataProperty
	dataIdx    map[string]int
	keys       []int
	navs       []NavigationProperty
	navIdx     map[string]int
	validators []ValidatorSpec
}

// Root is the name of the top of the inheritance hierarchy; identities are
// scoped by it.
func (t *EntityType) Root() string { return t.root }

// IsA reports whether t is name or derives from it.
func (t *EntityType) IsA(name string) bool {
	for _, n := range t.lineage {
		if n == name {
			return true
		}
	}
	return false
}

// Lineage lists the type followed by its ancestors.
func (t *EntityType) Lineage() []string { return t.lineage }

// KeyGenerationStrategy is the effective strategy, inherited from the root.
func (t *EntityType) KeyGenerationStrategy() KeyGeneration { return t.keyGen }

// Properties returns all data properties, inherited ones first.
func (t *EntityType) Properties() []DataProperty { return t.data }

// PropertyIndex returns the slot of a data property.
func (t *EntityType) PropertyIndex(name string) (int, bool) {
	i, ok := t.dataIdx[name]
	return i, ok
}

// Property looks up a data property by name.
func (t *EntityType) Property(name string) (DataProperty, bool) {
	i, ok := t.dataIdx[name]
	if !ok {
		return DataProperty{}, false
	}
	return t.data[i], true
}

// KeyIndexes returns the slots of the key properties in key order.
func (t *EntityType) KeyIndexes() []int { return t.keys }

// Keys returns the key properties in key order.
func (t *EntityType) Keys() []DataProperty {
	out := make([]DataProperty, len(t.keys))
	for i, idx := range t.keys {
		out[i] = t.data[idx]
	}
	return out
}

// IsKey reports whether name is a key property.
func (t *EntityType) IsKey(name string) bool {
	idx, ok := t.dataIdx[name]
	if !ok {
		return false
	}
	for _, k := range t.keys {
		if k == idx {
			return true
		}
	}
	return false
}

// Navigations returns all navigation properties, inherited ones first.
func (t *EntityType) Navigations() []NavigationProperty { return t.navs }

// Navigation looks up a navigation property by name.
func (t *EntityType) Navigation(name string) (NavigationProperty, bool) {
	i, ok := t.navIdx[name]
	if !ok {
		return NavigationProperty{}, false
	}
	return t.navs[i], true
}

// EntityValidators returns entity-level validators, inherited ones first.
func (t *EntityType) EntityValidators() []ValidatorSpec { return t.validators }

// ConcurrencyProperties returns the properties flagged for optimistic
// concurrency checks.
func (t *EntityType) ConcurrencyProperties() []DataProperty {
	var out []DataProperty
	for _, p := range t.data {
		if p.ConcurrencyCheck {
			out = append(out, p)
		}
	}
	return out
}

// declared returns a copy of the declared form, suitable for documents.
func (t *EntityType) declared() EntityType {
	return EntityType{
		Name:                 t.Name,
		BaseType:             t.BaseType,
		KeyProperties:        append([]string(nil), t.KeyProperties...),
		KeyGeneration:        t.KeyGeneration,
		DataProperties:       append([]DataProperty(nil), t.DataProperties...),
		NavigationProperties: append([]NavigationProperty(nil), t.NavigationProperties...),
		Validators:           append([]ValidatorSpec(nil), t.Validators...),
	}
}
