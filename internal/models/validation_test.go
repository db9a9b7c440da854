package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestVariantKeyValidate(t *testing.T) {
	valid := VariantKey{Chromosome: "19", Position: 44908684, Reference: "C", Alternate: "T"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid key, got error: %v", err)
	}

	cases := []VariantKey{
		{},
		{Chromosome: "1", Position: 0, Reference: "A", Alternate: "G"},
		{Chromosome: "1", Position: 10, Reference: "X", Alternate: "G"},
		{Chromosome: "1", Position: 10, Reference: "A", Alternate: ""},
		{Chromosome: "1", Position: 10, Reference: "A", Alternate: "G,T"},
		{Chromosome: "chr 1", Position: 10, Reference: "A", Alternate: "G"},
	}
	for _, k := range cases {
		if err := k.Validate(); err == nil {
			t.Fatalf("expected error for key %+v", k)
		}
	}
}

func TestBatchStatusTransitions(t *testing.T) {
	if !BatchCreated.CanTransition(BatchRunning) {
		t.Fatalf("created -> running must be allowed")
	}
	if BatchCreated.CanTransition(BatchCompleted) {
		t.Fatalf("created -> completed must not be allowed")
	}
	for _, next := range []BatchStatus{BatchCompleted, BatchPartial, BatchFailed} {
		if !BatchRunning.CanTransition(next) {
			t.Fatalf("running -> %s must be allowed", next)
		}
		if next.CanTransition(BatchRunning) {
			t.Fatalf("%s is terminal", next)
		}
	}
}

func TestLoadBatchValidate(t *testing.T) {
	b := &LoadBatch{ID: "b1", FilePath: "a.vcf", FileHash: "abc", TotalVariants: 3, VariantsLoaded: 2, VariantsSkipped: 1}
	if err := b.Validate(); err != nil {
		t.Fatalf("expected valid batch, got %v", err)
	}
	if r := b.SkipRatio(); r < 0.33 || r > 0.34 {
		t.Fatalf("unexpected skip ratio %f", r)
	}

	b.VariantsLoaded = 3
	if err := b.Validate(); !errors.Is(err, ErrCountsInvariant) {
		t.Fatalf("expected ErrCountsInvariant, got %v", err)
	}
}

func TestLoadBatchIsStale(t *testing.T) {
	now := time.Now()
	b := &LoadBatch{Status: BatchRunning, HeartbeatAt: now.Add(-time.Hour)}
	if !b.IsStale(now.Add(-time.Minute)) {
		t.Fatalf("expected stale batch")
	}
	b.Status = BatchCompleted
	if b.IsStale(now.Add(-time.Minute)) {
		t.Fatalf("terminal batch is never stale")
	}
}

func TestFieldTypeCoerce(t *testing.T) {
	v, err := FieldFloat.Coerce(json.Number("0.25"))
	if err != nil || v.(float64) != 0.25 {
		t.Fatalf("unexpected float coercion %v %v", v, err)
	}
	v, err = FieldInt.Coerce(float64(7))
	if err != nil || v.(int64) != 7 {
		t.Fatalf("unexpected int coercion %v %v", v, err)
	}
	if _, err := FieldInt.Coerce(1.5); err == nil {
		t.Fatalf("expected error for fractional int")
	}
	if _, err := FieldBool.Coerce("maybe"); err == nil {
		t.Fatalf("expected error for bad bool")
	}
	if v, _ := FieldString.Coerce(nil); v != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestPayloadScanNormalizesNumbers(t *testing.T) {
	var p Payload
	if err := p.Scan(`{"gnomad":{"af":0.01,"ac":3},"dp":12}`); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if dp, ok := p["dp"].(int64); !ok || dp != 12 {
		t.Fatalf("expected int64 dp, got %#v", p["dp"])
	}
	inner, ok := p["gnomad"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected nested object, got %#v", p["gnomad"])
	}
	if af, ok := inner["af"].(float64); !ok || af != 0.01 {
		t.Fatalf("expected float af, got %#v", inner["af"])
	}

	var empty Payload
	if err := empty.Scan(nil); err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty payload, got %#v %v", empty, err)
	}
}

func TestPayloadDecode(t *testing.T) {
	p := Payload{"af": 0.5, "rsid": "rs1"}
	var out struct {
		AF   float64 `json:"af"`
		RsID string  `json:"rsid"`
	}
	if err := p.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.AF != 0.5 || out.RsID != "rs1" {
		t.Fatalf("unexpected decode result %+v", out)
	}
}

func TestFieldValuesRoundTrip(t *testing.T) {
	in := FieldValues{{Name: "af", Value: 0.02}, {Name: "ac", Value: int64(4)}}
	raw, err := in.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	var out FieldValues
	if err := out.Scan(raw); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if out[0].Name != "af" || out[1].Name != "ac" {
		t.Fatalf("field order not preserved: %+v", out)
	}
	if v, _ := out.Get("ac"); v.(int64) != 4 {
		t.Fatalf("expected ac=4, got %#v", v)
	}
}

func TestNewVariantRecordDefaults(t *testing.T) {
	rec := NewVariantRecord(RawVariant{Chromosome: "1", Position: 5, Reference: "A", Alternate: "G"}, "b1", nil)
	if rec.Annotations == nil || rec.Info == nil || rec.Filters == nil || rec.SampleIDs == nil {
		t.Fatalf("expected non-nil collections, got %+v", rec)
	}
	if !rec.PassedFilters() {
		t.Fatalf("empty filters count as passed")
	}
	if rec.Key().String() != "1-5-A-G" {
		t.Fatalf("unexpected key %s", rec.Key())
	}
}

func TestProvenanceRetypeAndStrip(t *testing.T) {
	var prov Provenance
	if err := prov.Scan(`{"gnomad":{"version":"v4","fields":[{"name":"af","key":"gnomad.af","type":"float"}]},"exac":{"version":"1","fields":[{"name":"af","key":"exac.af","type":"float"}]}}`); err != nil {
		t.Fatalf("scan: %v", err)
	}
	var payload Payload
	if err := payload.Scan(`{"gnomad.af":1,"exac.af":0.5,"other":1}`); err != nil {
		t.Fatalf("scan payload: %v", err)
	}

	prov.Retype(payload)
	if v, ok := payload["gnomad.af"].(float64); !ok || v != 1 {
		t.Fatalf("expected float gnomad.af, got %#v", payload["gnomad.af"])
	}
	if _, ok := payload["other"].(int64); !ok {
		t.Fatalf("unowned key must keep its scanned type, got %#v", payload["other"])
	}

	values := prov.Strip("gnomad", payload)
	if values["af"] != 1.0 {
		t.Fatalf("unexpected stripped values %#v", values)
	}
	if _, ok := payload["gnomad.af"]; ok {
		t.Fatalf("gnomad key must be removed: %#v", payload)
	}
	if _, ok := payload["exac.af"]; !ok {
		t.Fatalf("exac key must stay: %#v", payload)
	}
	if names := prov.Sources(); len(names) != 2 || names[0] != "exac" {
		t.Fatalf("unexpected source order %v", names)
	}
}
