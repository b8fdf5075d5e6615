package policy

import "regexp"

// Structured-identifier detection. The patterns are deliberately narrow:
// NANP phone numbers in 3-3-4 shapes, US social security numbers, and
// plain email addresses. Statistical name detection is out of scope.

// PII redaction sentinels.
const (
	RedactedPhone = "[REDACTED_PHONE]"
	RedactedSSN   = "[REDACTED_SSN]"
	RedactedEmail = "[REDACTED_EMAIL]"
)

// piiPattern pairs a detector with its sentinel. Slice order is redaction
// order: SSNs go first so the nine-digit match is not half-eaten by the
// broader phone pattern.
type piiPattern struct {
	kind     string
	re       *regexp.Regexp
	sentinel string
}

var piiPatterns = []piiPattern{
	{
		kind:     "ssn",
		re:       regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`),
		sentinel: RedactedSSN,
	},
	{
		kind:     "phone",
		re:       regexp.MustCompile(`(\+?1[\s.-]?)?(\([0-9]{3}\)\s?|[0-9]{3}[\s.-]?)[0-9]{3}[\s.-]?[0-9]{4}`),
		sentinel: RedactedPhone,
	},
	{
		kind:     "email",
		re:       regexp.MustCompile(`[\w.%+-]+@[\w-]+(?:\.[\w-]+)+`),
		sentinel: RedactedEmail,
	},
}

// PIIDetector scans free text for structured personal identifiers.
type PIIDetector struct{}

// NewPIIDetector creates a new PIIDetector.
func NewPIIDetector() *PIIDetector {
	return &PIIDetector{}
}

// Detect returns the PII kinds found in text, in redaction order.
func (p *PIIDetector) Detect(text string) []string {
	var found []string
	for _, pat := range piiPatterns {
		if pat.re.MatchString(text) {
			found = append(found, pat.kind)
		}
	}
	return found
}

// Redact replaces matches of the requested kinds with their sentinels.
func (p *PIIDetector) Redact(text string, kinds []string) string {
	want := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	for _, pat := range piiPatterns {
		if want[pat.kind] {
			text = pat.re.ReplaceAllString(text, pat.sentinel)
		}
	}
	return text
}
