package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"entitycore/pkg/domain"
)

// Document format marker and version.
const (
	DocumentFormat  = "entitycore.metadata"
	DocumentVersion = 1
)

// Document is the portable form of a registry.
type Document struct {
	Format      string       `json:"format" yaml:"format"`
	Version     int          `json:"version" yaml:"version"`
	EntityTypes []EntityType `json:"entityTypes" yaml:"entityTypes"`
}

// Document snapshots the declared form of every registered type.
func (r *Registry) Document() Document {
	types := r.Types()
	doc := Document{Format: DocumentFormat, Version: DocumentVersion, EntityTypes: make([]EntityType, 0, len(types))}
	for _, t := range types {
		doc.EntityTypes = append(doc.EntityTypes, t.declared())
	}
	return doc
}

// RegisterDocument registers every type of doc that is not yet known.
func (r *Registry) RegisterDocument(doc Document) error {
	if err := doc.check(); err != nil {
		return err
	}
	return r.EnsureRegistered(doc.EntityTypes...)
}

// NewRegistryFromDocument builds a registry holding exactly the types of doc.
func NewRegistryFromDocument(doc Document) (*Registry, error) {
	if err := doc.check(); err != nil {
		return nil, err
	}
	reg := NewRegistry()
	if err := reg.Register(doc.EntityTypes...); err != nil {
		return nil, err
	}
	return reg, nil
}

// LoadDocument decodes a JSON or YAML metadata document.
func LoadDocument(data []byte) (Document, error) {
	var doc Document
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return Document{}, fmt.Errorf("decode metadata json: %w", err)
		}
	} else if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return Document{}, fmt.Errorf("decode metadata yaml: %w", err)
	}
	if err := doc.check(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// ReadDocument reads and decodes a document from r.
func ReadDocument(r io.Reader) (Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Document{}, fmt.Errorf("read metadata: %w", err)
	}
	return LoadDocument(data)
}

// YAML encodes the document as YAML.
func (d Document) YAML() ([]byte, error) {
	return yaml.Marshal(d)
}

func (d Document) check() error {
	if d.Format != "" && d.Format != DocumentFormat {
		return &domain.MetadataError{Reason: fmt.Sprintf("unknown document format %q", d.Format)}
	}
	if d.Version != 0 && d.Version != DocumentVersion {
		return &domain.MetadataError{Reason: fmt.Sprintf("unsupported document version %d", d.Version)}
	}
	return nil
}
