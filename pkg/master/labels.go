// Package master derives the denormalized per-source analytic tables:
// raw data rows joined against the metadata snapshot, composite labels
// decomposed into structured columns, periods remapped to reporting
// quarters.
package master

import "strings"

// substringIndex mirrors MySQL's SUBSTRING_INDEX: for a positive count
// the text before the count-th occurrence of delim, for a negative count
// the text after the count-th occurrence from the right. Fewer
// occurrences than requested yields the whole string.
func substringIndex(s, delim string, count int) string {
	if count == 0 || delim == "" {
		return ""
	}
	if count > 0 {
		idx := 0
		for n := 0; n < count; n++ {
			j := strings.Index(s[idx:], delim)
			if j < 0 {
				return s
			}
			idx += j + len(delim)
		}
		return s[:idx-len(delim)]
	}
	idx := len(s)
	for n := 0; n < -count; n++ {
		j := strings.LastIndex(s[:idx], delim)
		if j < 0 {
			return s
		}
		idx = j
	}
	return s[idx+len(delim):]
}

// trimSpaces strips leading and trailing space characters only, the way
// SQL TRIM does. Other whitespace is part of the label.
func trimSpaces(s string) string {
	return strings.Trim(s, " ")
}

// CategoryParts is the decomposition of a comma-delimited category
// option combo label like "15-19, Female, Positive".
type CategoryParts struct {
	AgeGroup  string
	Sex       string
	HIVStatus string
}

// SplitCategoryLabel decomposes a category label positionally: first
// segment age group, second sex, final segment HIV status.
func SplitCategoryLabel(label string) CategoryParts {
	return CategoryParts{
		AgeGroup:  trimSpaces(substringIndex(label, ",", 1)),
		Sex:       trimSpaces(substringIndex(substringIndex(label, ",", 2), ",", -1)),
		HIVStatus: trimSpaces(substringIndex(label, ",", -1)),
	}
}

// ElementParts is the decomposition of a composite data element name.
// ProgramArea and ServiceDel keep the label's original spacing;
// downstream filters match on it.
type ElementParts struct {
	ProgramArea    string
	ServiceDel     string
	NumerDom       string
	Disaggregation string
	// Modality is only set for testing-modality elements, those whose
	// text after the final colon mentions received results.
	Modality *string
}

// SplitElementLabel decomposes a data element name by its delimiters:
// program area before the first parenthesis, service delivery from the
// second comma segment, numerator/denominator code from the final space
// token, disaggregation from the third comma segment.
func SplitElementLabel(name string) ElementParts {
	disaggRaw := substringIndex(substringIndex(name, ",", 3), ",", -1)
	parts := ElementParts{
		ProgramArea:    substringIndex(name, "(", 1),
		ServiceDel:     substringIndex(substringIndex(name, ",", 2), ",", -1),
		NumerDom:       substringIndex(name, " ", -1),
		Disaggregation: trimSpaces(disaggRaw),
	}
	tail := strings.ToLower(substringIndex(name, ":", -1))
	if strings.Contains(tail, "received results") {
		modality := trimSpaces(substringIndex(trimSpaces(disaggRaw), "/", 1))
		parts.Modality = &modality
	}
	return parts
}

// CleanSiteCode strips the Keipsl prefix token facility codes carry in
// the org unit register and trims the remainder.
func CleanSiteCode(code string) string {
	return trimSpaces(strings.ReplaceAll(code, "Keipsl", ""))
}
