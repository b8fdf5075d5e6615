package ledger

import (
	"bytes"
	"testing"
)

func TestCanonicalBytesSortsKeys(t *testing.T) {
	got, err := CanonicalBytes(map[string]interface{}{
		"zeta":  1,
		"alpha": "x",
		"mid":   map[string]interface{}{"b": true, "a": nil},
	})
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	want := `{"alpha":"x","mid":{"a":null,"b":true},"zeta":1}`
	if string(got) != want {
		t.Errorf("canonical = %s, want %s", got, want)
	}
}

func TestCanonicalBytesDeterministic(t *testing.T) {
	payload := map[string]interface{}{
		"agent":  "scheduler",
		"score":  0.7221,
		"count":  42,
		"nested": []interface{}{map[string]interface{}{"y": 2, "x": 1}},
	}
	a, err := CanonicalBytes(payload)
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	for i := 0; i < 50; i++ {
		b, err := CanonicalBytes(payload)
		if err != nil {
			t.Fatalf("CanonicalBytes: %v", err)
		}
		if !bytes.Equal(a, b) {
			t.Fatalf("iteration %d produced different bytes: %s vs %s", i, a, b)
		}
	}
}

func TestCanonicalBytesNumberRepresentation(t *testing.T) {
	a, err := CanonicalBytes(map[string]interface{}{"v": 180000.0})
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	b, err := CanonicalBytes(map[string]interface{}{"v": 180000})
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("180000.0 and 180000 encode differently: %s vs %s", a, b)
	}
}
