package policy

import (
	"reflect"
	"strings"
	"testing"
)

func TestDetectKinds(t *testing.T) {
	d := NewPIIDetector()
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"phone dashes", "call 555-123-4567 today", []string{"phone"}},
		{"phone dots", "call 555.123.4567 today", []string{"phone"}},
		{"phone parens", "call (555) 123-4567 today", []string{"phone"}},
		{"phone with country code", "call +1 555-123-4567", []string{"phone"}},
		{"ssn", "SSN 123-45-6789 on file", []string{"ssn"}},
		{"email", "reach out to jane.doe@example.com", []string{"email"}},
		{"mixed", "123-45-6789 or 555-123-4567", []string{"ssn", "phone"}},
		{"clean", "no identifiers here, offer is $180,000", nil},
		{"date is not a phone", "meeting on 2026-02-10 at 14:00", nil},
	}
	for _, tt := range tests {
		if got := d.Detect(tt.text); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: Detect = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRedactSSNBeforePhone(t *testing.T) {
	d := NewPIIDetector()
	got := d.Redact("ssn 123-45-6789, phone 555-123-4567", []string{"ssn", "phone"})
	if !strings.Contains(got, RedactedSSN) {
		t.Errorf("SSN not redacted: %q", got)
	}
	if !strings.Contains(got, RedactedPhone) {
		t.Errorf("phone not redacted: %q", got)
	}
	if strings.ContainsAny(got, "0123456789") {
		t.Errorf("digits survived redaction: %q", got)
	}
}

func TestRedactOnlyRequestedKinds(t *testing.T) {
	d := NewPIIDetector()
	got := d.Redact("mail jane@example.com or call 555-123-4567", []string{"phone"})
	if !strings.Contains(got, "jane@example.com") {
		t.Errorf("email redacted without being requested: %q", got)
	}
	if !strings.Contains(got, RedactedPhone) {
		t.Errorf("phone not redacted: %q", got)
	}
}
