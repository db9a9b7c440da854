package clinvar

import "encoding/xml"

// SearchResponse represents ESearch response
type SearchResponse struct {
	Count    string   `json:"count"`
	RetMax   string   `json:"retmax"`
	RetStart string   `json:"retstart"`
	IdList   []string `json:"idlist"`
}

type fetchResult struct {
	XMLName xml.Name     `xml:"ClinVarResult-Set"`
	Sets    []ClinVarSet `xml:"ClinVarSet"`
}

// ClinVarSet is the root element for variant details
type ClinVarSet struct {
	XMLName                   xml.Name                  `xml:"ClinVarSet"`
	ReferenceClinVarAssertion ReferenceClinVarAssertion `xml:"ReferenceClinVarAssertion"`
}

// ReferenceClinVarAssertion contains the aggregate interpretation
type ReferenceClinVarAssertion struct {
	ClinVarAccession     ClinVarAccession     `xml:"ClinVarAccession"`
	ClinicalSignificance ClinicalSignificance `xml:"ClinicalSignificance"`
	MeasureSet           MeasureSet           `xml:"MeasureSet"`
	TraitSet             TraitSet             `xml:"TraitSet"`
}

type ClinVarAccession struct {
	Acc     string `xml:"Acc,attr"`
	Version int    `xml:"Version,attr"`
}

type ClinicalSignificance struct {
	ReviewStatus      string `xml:"ReviewStatus"`
	Description       string `xml:"Description"`
	DateLastEvaluated string `xml:"DateLastEvaluated,attr"`
}

type MeasureSet struct {
	Measure []Measure `xml:"Measure"`
}

// Measure is one described variant
type Measure struct {
	Type             string             `xml:"Type,attr"`
	SequenceLocation []SequenceLocation `xml:"SequenceLocation"`
	XRef             []XRef             `xml:"XRef"`
}

// SequenceLocation places a measure on an assembly
type SequenceLocation struct {
	Assembly        string `xml:"Assembly,attr"`
	Chr             string `xml:"Chr,attr"`
	Start           int64  `xml:"start,attr"`
	ReferenceAllele string `xml:"referenceAllele,attr"`
	AlternateAllele string `xml:"alternateAllele,attr"`
}

type XRef struct {
	ID string `xml:"ID,attr"`
	DB string `xml:"DB,attr"`
}

type TraitSet struct {
	Trait []Trait `xml:"Trait"`
}

type Trait struct {
	Name []Name `xml:"Name"`
}

type Name struct {
	ElementValue ElementValue `xml:"ElementValue"`
}

type ElementValue struct {
	Type  string `xml:"Type,attr"`
	Value string `xml:",chardata"`
}
