package clinvar

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mkoziy/genome/loader/internal/models"
	"github.com/mkoziy/genome/loader/internal/registry"
)

// Fields is the field configuration of the clinvar annotation source.
var Fields = models.FieldConfig{
	{Name: "rsid", Type: models.FieldString},
	{Name: "accession", Type: models.FieldString},
	{Name: "clinical_significance", Type: models.FieldString},
	{Name: "review_status", Type: models.FieldString},
	{Name: "condition", Type: models.FieldString},
}

var errNoLocation = errors.New("no GRCh38 location with alleles")

// MapToRow converts a ClinVarSet into an annotation row keyed by its GRCh38
// location. Fields without data are left out.
func MapToRow(cvSet ClinVarSet) (registry.Row, error) {
	ref := cvSet.ReferenceClinVarAssertion
	if len(ref.MeasureSet.Measure) == 0 {
		return registry.Row{}, fmt.Errorf("%s: no measures in variant", ref.ClinVarAccession.Acc)
	}
	measure := ref.MeasureSet.Measure[0]

	loc := findGRCh38Location(measure.SequenceLocation)
	if loc == nil {
		return registry.Row{}, fmt.Errorf("%s: %w", ref.ClinVarAccession.Acc, errNoLocation)
	}

	values := map[string]interface{}{
		"clinical_significance": normalizeSignificance(ref.ClinicalSignificance.Description),
		"review_status":         normalizeReviewStatus(ref.ClinicalSignificance.ReviewStatus),
	}
	if acc := ref.ClinVarAccession.Acc; acc != "" {
		values["accession"] = acc
	}
	if rs := extractRsID(measure.XRef); rs != "" {
		values["rsid"] = rs
	}
	if cond := conditionNames(ref.TraitSet.Trait); cond != "" {
		values["condition"] = cond
	}

	return registry.Row{
		Key: models.VariantKey{
			Chromosome: loc.Chr,
			Position:   loc.Start,
			Reference:  loc.ReferenceAllele,
			Alternate:  loc.AlternateAllele,
		},
		Values: values,
	}, nil
}

func extractRsID(xrefs []XRef) string {
	for _, xref := range xrefs {
		if xref.DB != "dbSNP" {
			continue
		}
		if strings.HasPrefix(xref.ID, "rs") {
			return xref.ID
		}
		return "rs" + xref.ID
	}
	return ""
}

func findGRCh38Location(locs []SequenceLocation) *SequenceLocation {
	for i := range locs {
		loc := &locs[i]
		if loc.Assembly == "GRCh38" && loc.Start > 0 && loc.ReferenceAllele != "" && loc.AlternateAllele != "" {
			return loc
		}
	}
	return nil
}

// conditionNames joins the preferred name of every trait.
func conditionNames(traits []Trait) string {
	var names []string
	seen := map[string]bool{}
	for _, trait := range traits {
		name := preferredName(trait.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return strings.Join(names, "; ")
}

func preferredName(names []Name) string {
	for _, name := range names {
		if name.ElementValue.Type == "Preferred" {
			return strings.TrimSpace(name.ElementValue.Value)
		}
	}
	if len(names) > 0 {
		return strings.TrimSpace(names[0].ElementValue.Value)
	}
	return ""
}

func normalizeSignificance(desc string) string {
	desc = strings.ToLower(strings.TrimSpace(desc))
	switch {
	case strings.Contains(desc, "conflicting"):
		return "conflicting"
	case strings.Contains(desc, "pathogenic") && strings.Contains(desc, "likely"):
		return "likely_pathogenic"
	case strings.Contains(desc, "pathogenic"):
		return "pathogenic"
	case strings.Contains(desc, "benign") && strings.Contains(desc, "likely"):
		return "likely_benign"
	case strings.Contains(desc, "benign"):
		return "benign"
	case strings.Contains(desc, "risk"):
		return "risk_factor"
	case strings.Contains(desc, "protective"):
		return "protective"
	case strings.Contains(desc, "drug"):
		return "drug_response"
	case strings.Contains(desc, "uncertain"):
		return "uncertain_significance"
	default:
		return "other"
	}
}

// reviewRank orders review statuses by strength of evidence.
var reviewRank = map[string]int{
	"no_assertion":        0,
	"single_submitter":    1,
	"criteria_provided":   2,
	"multiple_submitters": 3,
	"expert_panel":        4,
	"practice_guideline":  5,
}

func normalizeReviewStatus(status string) string {
	status = strings.ToLower(strings.TrimSpace(status))
	switch {
	case strings.Contains(status, "practice guideline"):
		return "practice_guideline"
	case strings.Contains(status, "expert panel"):
		return "expert_panel"
	case strings.Contains(status, "multiple"):
		return "multiple_submitters"
	case strings.Contains(status, "single"):
		return "single_submitter"
	case strings.Contains(status, "criteria provided"):
		return "criteria_provided"
	default:
		return "no_assertion"
	}
}
