package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mitchellh/mapstructure"
)

// BatchStatus is the lifecycle state of a load batch.
type BatchStatus string

const (
	BatchCreated   BatchStatus = "created"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchPartial   BatchStatus = "partial"
	BatchFailed    BatchStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchPartial || s == BatchFailed
}

// CanTransition reports whether s -> next respects created -> running -> terminal.
func (s BatchStatus) CanTransition(next BatchStatus) bool {
	switch s {
	case BatchCreated:
		return next == BatchRunning
	case BatchRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// ReloadPolicy decides what happens to previously loaded variants on a forced reload.
type ReloadPolicy string

const (
	ReloadReplace  ReloadPolicy = "replace"
	ReloadAdditive ReloadPolicy = "additive"
)

// Valid reports whether p is one of the known policies.
func (p ReloadPolicy) Valid() bool {
	return p == ReloadReplace || p == ReloadAdditive
}

// SourceStatus marks whether an annotation source takes part in joins.
type SourceStatus string

const (
	SourceActive     SourceStatus = "active"
	SourceDeprecated SourceStatus = "deprecated"
)

// FieldType is the declared type of a dynamic annotation field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
)

// Valid reports whether t is a supported field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldString, FieldInt, FieldFloat, FieldBool:
		return true
	}
	return false
}

// Coerce converts a decoded JSON value into the Go type matching t.
func (t FieldType) Coerce(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case FieldString:
		switch x := v.(type) {
		case string:
			return x, nil
		case json.Number:
			return x.String(), nil
		default:
			return fmt.Sprint(x), nil
		}
	case FieldInt:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int64:
			return x, nil
		case float64:
			if x != float64(int64(x)) {
				return nil, fmt.Errorf("value %v is not an integer", x)
			}
			return int64(x), nil
		case json.Number:
			return x.Int64()
		case string:
			return strconv.ParseInt(x, 10, 64)
		}
	case FieldFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case json.Number:
			return x.Float64()
		case string:
			return strconv.ParseFloat(x, 64)
		}
	case FieldBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(x)
		}
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, t)
}

// StringArray stores a slice of strings in SQLite as JSON.
type StringArray []string

func (s StringArray) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *StringArray) Scan(value interface{}) error {
	raw, ok, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("failed to scan StringArray: %w", err)
	}
	if !ok {
		*s = StringArray{}
		return nil
	}
	return json.Unmarshal(raw, s)
}

// NullableFloat64 handles nullable float columns.
type NullableFloat64 struct {
	Float64 float64
	Valid   bool
}

// Float returns a valid NullableFloat64.
func Float(v float64) NullableFloat64 {
	return NullableFloat64{Float64: v, Valid: true}
}

func (n NullableFloat64) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Float64, nil
}

func (n *NullableFloat64) Scan(value interface{}) error {
	if value == nil {
		n.Float64 = 0
		n.Valid = false
		return nil
	}

	switch v := value.(type) {
	case float64:
		n.Float64 = v
	case int64:
		n.Float64 = float64(v)
	case []byte:
		if err := json.Unmarshal(v, &n.Float64); err != nil {
			return err
		}
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		n.Float64 = f
	default:
		return errors.New("failed to scan NullableFloat64")
	}

	n.Valid = true
	return nil
}

func (n NullableFloat64) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Float64)
}

func (n *NullableFloat64) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*n = NullableFloat64{}
		return nil
	}
	if err := json.Unmarshal(b, &n.Float64); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

// Payload is a structured annotation or INFO map stored as a JSON object.
// A field that is not present has no key; absence is never encoded as a zero value.
type Payload map[string]interface{}

func (p Payload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]interface{}(p))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *Payload) Scan(value interface{}) error {
	raw, ok, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("failed to scan Payload: %w", err)
	}
	*p = Payload{}
	if !ok {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		(*p)[k] = normalizeNumber(v)
	}
	return nil
}

// Merge overwrites keys of p with the keys of other and returns p.
func (p Payload) Merge(other Payload) Payload {
	if p == nil {
		p = Payload{}
	}
	for k, v := range other {
		p[k] = v
	}
	return p
}

// Clone returns a shallow copy of p.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Decode copies the payload into a caller-defined struct using json tags.
func (p Payload) Decode(out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]interface{}(p))
}

// FieldSpec declares one dynamic column of an annotation source.
type FieldSpec struct {
	Name string    `json:"name" yaml:"name"`
	Type FieldType `json:"type" yaml:"type"`
}

// FieldConfig is the ordered field configuration of an annotation source.
type FieldConfig []FieldSpec

func (f FieldConfig) Value() (driver.Value, error) {
	if len(f) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]FieldSpec(f))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (f *FieldConfig) Scan(value interface{}) error {
	raw, ok, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("failed to scan FieldConfig: %w", err)
	}
	if !ok {
		*f = FieldConfig{}
		return nil
	}
	return json.Unmarshal(raw, f)
}

// Lookup returns the spec for name.
func (f FieldConfig) Lookup(name string) (FieldSpec, bool) {
	for _, spec := range f {
		if spec.Name == name {
			return spec, true
		}
	}
	return FieldSpec{}, false
}

// FieldValue is one named value of an annotation row.
type FieldValue struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// FieldValues is the generic, ordered storage form of an annotation row.
type FieldValues []FieldValue

func (f FieldValues) Value() (driver.Value, error) {
	if len(f) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]FieldValue(f))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (f *FieldValues) Scan(value interface{}) error {
	raw, ok, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("failed to scan FieldValues: %w", err)
	}
	if !ok {
		*f = FieldValues{}
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out []FieldValue
	if err := dec.Decode(&out); err != nil {
		return err
	}
	for i := range out {
		out[i].Value = normalizeNumber(out[i].Value)
	}
	*f = out
	return nil
}

// Get returns the value stored under name.
func (f FieldValues) Get(name string) (interface{}, bool) {
	for _, fv := range f {
		if fv.Name == name {
			return fv.Value, true
		}
	}
	return nil, false
}

func jsonBytes(value interface{}) ([]byte, bool, error) {
	switch v := value.(type) {
	case nil:
		return nil, false, nil
	case []byte:
		if len(v) == 0 {
			return nil, false, nil
		}
		return v, true, nil
	case string:
		if v == "" {
			return nil, false, nil
		}
		return []byte(v), true, nil
	default:
		return nil, false, fmt.Errorf("unsupported type %T", value)
	}
}

// normalizeNumber turns json.Number into int64 when integral, float64 otherwise.
func normalizeNumber(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]interface{}:
		for k, inner := range x {
			x[k] = normalizeNumber(inner)
		}
		return x
	case []interface{}:
		for i, inner := range x {
			x[i] = normalizeNumber(inner)
		}
		return x
	default:
		return v
	}
}
