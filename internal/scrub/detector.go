package scrub

import "regexp"

// Match is a candidate span found by a Detector, in byte offsets of the input.
type Match struct {
	PIIType     string
	Placeholder string
	Start       int
	End         int
}

// Detector finds every span of one PII category in a string.
type Detector interface {
	Detect(text string) []Match
}

type regexDetector struct {
	piiType     string
	placeholder string
	re          *regexp.Regexp
}

// NewRegexDetector returns a Detector reporting every non-overlapping match of pattern.
func NewRegexDetector(piiType, placeholder, pattern string) Detector {
	return &regexDetector{
		piiType:     piiType,
		placeholder: placeholder,
		re:          regexp.MustCompile(pattern),
	}
}

func (d *regexDetector) Detect(text string) []Match {
	locs := d.re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	out := make([]Match, 0, len(locs))
	for _, loc := range locs {
		out = append(out, Match{
			PIIType:     d.piiType,
			Placeholder: d.placeholder,
			Start:       loc[0],
			End:         loc[1],
		})
	}
	return out
}

const (
	TypeEmail      = "email"
	TypePhone      = "phone"
	TypeStudentID  = "student_id"
	TypeSSN        = "ssn"
	TypeCreditCard = "credit_card"
	TypeAddress    = "address"
	TypeHumanName  = "human_name"
)

// DefaultDetectors covers the identifiers students most often text.
func DefaultDetectors() []Detector {
	return []Detector{
		NewRegexDetector(TypeEmail, "[EMAIL]",
			`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		NewRegexDetector(TypePhone, "[PHONE]",
			`(\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
		NewRegexDetector(TypeStudentID, "[ID]",
			`(?i)\b[ABCEGHJKLMNPRSTVWXYZ]{2}\d{6,8}\b`),
		NewRegexDetector(TypeSSN, "[SSN]",
			`\b\d{3}-\d{2}-\d{4}\b`),
		NewRegexDetector(TypeCreditCard, "[CARD]",
			`\b(?:\d[ -]*?){13,16}\b`),
		NewRegexDetector(TypeAddress, "[ADDRESS]",
			`(?i)\b\d{1,5}\s+[A-Za-z0-9]+\s+(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr)\b`),
		NewRegexDetector(TypeHumanName, "[NAME]",
			`\b(?:Mr\.|Ms\.|Mrs\.|Dr\.)?\s?[A-Z][a-z]+\s[A-Z][a-z]+\b`),
	}
}
