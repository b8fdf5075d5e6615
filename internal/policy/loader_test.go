package policy

import (
	"os"
	"path/filepath"
	"testing"
)

const goodSource = `
version: "1"
rules:
  - id: id_right_to_work
    predicate: right_to_work
    params:
      tools: ["HRIS.onboard"]
`

const badSource = `
version: "2"
rules:
  - id: mystery
    predicate: predicate_nobody_registered
`

func TestLoaderKeepsPreviousSetOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(goodSource), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	engine := NewEngine(nil, nil)
	loader := NewLoader(path, engine, nil)

	v1, err := loader.Load()
	if err != nil {
		t.Fatalf("initial Load: %v", err)
	}
	if engine.Version() != v1 {
		t.Fatalf("engine version = %s, want %s", engine.Version(), v1)
	}

	// A bad document must fail the load and leave the active set alone.
	if err := os.WriteFile(path, []byte(badSource), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loader.Load(); err == nil {
		t.Fatal("Load succeeded on unknown predicate")
	}
	if engine.Version() != v1 {
		t.Errorf("engine version changed to %s after failed reload", engine.Version())
	}
	if len(engine.ListRules()) != 1 {
		t.Errorf("rule count = %d, want the original 1", len(engine.ListRules()))
	}
}

func TestLoaderReloadSwapsVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(goodSource), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	engine := NewEngine(nil, nil)
	loader := NewLoader(path, engine, nil)
	v1, err := loader.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	updated := goodSource + `
  - id: priv_minimum_necessary
    predicate: minimum_necessary
    params:
      tools: ["HRIS.export"]
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	v2, err := loader.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if v1 == v2 {
		t.Error("version did not change on reload")
	}
	if len(engine.ListRules()) != 2 {
		t.Errorf("rule count = %d, want 2", len(engine.ListRules()))
	}
}
