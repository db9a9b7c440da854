package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// ProvenanceField is one declared field of a source and the payload key it is
// written under.
type ProvenanceField struct {
	Name string    `json:"name"`
	Key  string    `json:"key"`
	Type FieldType `json:"type"`
}

// SourceProvenance records the source version joined into a payload. A source
// joined without a match keeps its entry but has no values in the payload.
type SourceProvenance struct {
	Version string            `json:"version"`
	Fields  []ProvenanceField `json:"fields"`
}

// Provenance maps each source joined into an annotation payload to what it
// wrote there. Payload keys not owned by any entry are left alone.
type Provenance map[string]SourceProvenance

func (p Provenance) Value() (driver.Value, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]SourceProvenance(p))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *Provenance) Scan(value interface{}) error {
	raw, ok, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("failed to scan Provenance: %w", err)
	}
	*p = Provenance{}
	if !ok {
		return nil
	}
	return json.Unmarshal(raw, (*map[string]SourceProvenance)(p))
}

// Sources returns the recorded source names in order.
func (p Provenance) Sources() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Retype coerces the values recorded sources wrote into payload back to their
// declared field types. JSON storage loses the difference between 1.0 and 1.
func (p Provenance) Retype(payload Payload) {
	for _, sp := range p {
		for _, f := range sp.Fields {
			raw, ok := payload[f.Key]
			if !ok {
				continue
			}
			if v, err := f.Type.Coerce(raw); err == nil {
				payload[f.Key] = v
			}
		}
	}
}

// Strip removes every payload key owned by source and reports the values it
// held by field name.
func (p Provenance) Strip(source string, payload Payload) map[string]interface{} {
	sp, ok := p[source]
	if !ok {
		return nil
	}
	values := make(map[string]interface{}, len(sp.Fields))
	for _, f := range sp.Fields {
		if v, ok := payload[f.Key]; ok {
			values[f.Name] = v
			delete(payload, f.Key)
		}
	}
	return values
}
