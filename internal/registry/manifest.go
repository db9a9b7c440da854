package registry

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/mkoziy/genome/loader/internal/models"
)

// Manifest is a YAML document declaring annotation sources.
//
//	sources:
//	  - name: gnomad
//	    type: population
//	    version: "4.0"
//	    source_file: gnomad.genomes.v4.0.sites.tsv
//	    fields:
//	      - {name: af, type: float}
type Manifest struct {
	Sources []RegisterRequest `yaml:"sources"`
}

// ParseManifest decodes and validates every entry of a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	seen := make(map[string]bool, len(m.Sources))
	for _, req := range m.Sources {
		if err := req.Validate(); err != nil {
			return nil, err
		}
		if seen[req.Name] {
			return nil, fmt.Errorf("manifest declares source %s twice", req.Name)
		}
		seen[req.Name] = true
	}
	return &m, nil
}

// LoadManifest registers every source in the manifest. Already registered
// versions are left alone unless the entry asks for an overwrite.
func (r *Registry) LoadManifest(ctx context.Context, data []byte) ([]*models.AnnotationSource, error) {
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	out := make([]*models.AnnotationSource, 0, len(m.Sources))
	for _, req := range m.Sources {
		src, err := r.Register(ctx, req)
		var dup *models.DuplicateSourceError
		if errors.As(err, &dup) {
			r.log.Debug("manifest source already registered", "source", dup.Name, "version", dup.Version)
			if src, err = r.Lookup(req.Name); err != nil {
				return out, err
			}
			out = append(out, src)
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, src)
	}
	return out, nil
}
