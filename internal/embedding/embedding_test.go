package embedding

import (
	"context"
	"math"
	"testing"
)

func TestHashProviderDeterministic(t *testing.T) {
	p := NewHashProvider(128)
	a, err := p.Embed(context.Background(), "schedule an interview for Tuesday")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := p.Embed(context.Background(), "schedule an interview for Tuesday")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(a) != 128 {
		t.Fatalf("dimension = %d, want 128", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("component %d differs between identical inputs", i)
		}
	}
}

func TestHashProviderUnitNorm(t *testing.T) {
	p := NewHashProvider(64)
	v, err := p.Embed(context.Background(), "export the payroll ledger")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if math.Abs(math.Sqrt(sum)-1) > 1e-9 {
		t.Errorf("norm = %f, want 1", math.Sqrt(sum))
	}
}

func TestHashProviderDistinguishesTexts(t *testing.T) {
	p := NewHashProvider(128)
	a, _ := p.Embed(context.Background(), "send a welcome email")
	b, _ := p.Embed(context.Background(), "delete all employee records")
	if Cosine(a, b) > 0.9 {
		t.Errorf("unrelated texts are nearly identical: cos = %f", Cosine(a, b))
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 0}, []float64{1, 0}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1},
		{"mismatched lengths", []float64{1}, []float64{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		if got := Cosine(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s: Cosine = %f, want %f", tt.name, got, tt.want)
		}
	}
}

func TestNormalizeZeroVector(t *testing.T) {
	v := []float64{0, 0, 0}
	got := Normalize(v)
	for _, x := range got {
		if x != 0 {
			t.Errorf("zero vector changed: %v", got)
		}
	}
}
