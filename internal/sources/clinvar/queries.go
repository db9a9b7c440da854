package clinvar

import (
	"fmt"
	"strings"
)

// Query builds an Entrez search term for the clinvar database.
type Query struct {
	terms []string
}

func NewQuery() *Query {
	return &Query{}
}

// Significance matches any of the given clinical significance labels.
func (q *Query) Significance(labels ...string) *Query {
	return q.anyOf("CLNSIG", false, labels)
}

// ReviewStatus matches any of the given review statuses.
func (q *Query) ReviewStatus(statuses ...string) *Query {
	return q.anyOf("RVSTAT", true, statuses)
}

// Gene restricts the search to one gene symbol.
func (q *Query) Gene(symbol string) *Query {
	if symbol != "" {
		q.terms = append(q.terms, symbol+"[GENE]")
	}
	return q
}

// Chromosome restricts the search to one chromosome.
func (q *Query) Chromosome(chrom string) *Query {
	if chrom != "" {
		q.terms = append(q.terms, chrom+"[CHR]")
	}
	return q
}

func (q *Query) anyOf(field string, quoted bool, values []string) *Query {
	if len(values) == 0 {
		return q
	}
	parts := make([]string, len(values))
	for i, v := range values {
		if quoted {
			v = `"` + v + `"`
		}
		parts[i] = fmt.Sprintf("%s[%s]", v, field)
	}
	q.terms = append(q.terms, "("+strings.Join(parts, " OR ")+")")
	return q
}

func (q *Query) String() string {
	return strings.Join(q.terms, " AND ")
}

// DefaultQueries select the variants worth annotating with: pathogenic,
// risk factor and drug response interpretations.
func DefaultQueries() []string {
	return []string{
		NewQuery().Significance("pathogenic", "likely pathogenic").String(),
		NewQuery().Significance("risk factor", "affects").String(),
		NewQuery().Significance("drug response").String(),
	}
}
