package skillreg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/overhuman/overhuman/internal/kinderr"
)

func TestVerifyMissingRegistryIsOK(t *testing.T) {
	ok, err := Verify(true, filepath.Join(t.TempDir(), "nope.json"))
	if err != nil || !ok {
		t.Fatalf("expected ok=true err=nil for missing registry, got ok=%v err=%v", ok, err)
	}
}

func TestVerifyMatchingHashPasses(t *testing.T) {
	dir := t.TempDir()
	skillPath := filepath.Join(dir, "skill.go")
	if err := os.WriteFile(skillPath, []byte("package skills\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	sum, err := ShaFile(skillPath)
	if err != nil {
		t.Fatal(err)
	}
	reg := Registry{Skills: []Entry{{Path: skillPath, SHA256: sum}}}
	regPath := filepath.Join(dir, "registry.json")
	writeJSON(t, regPath, reg)

	ok, err := Verify(true, regPath)
	if err != nil || !ok {
		t.Fatalf("expected verification to pass, got ok=%v err=%v", ok, err)
	}
}

func TestVerifyMismatchFailsStrict(t *testing.T) {
	dir := t.TempDir()
	skillPath := filepath.Join(dir, "skill.go")
	os.WriteFile(skillPath, []byte("package skills\n"), 0o644)
	reg := Registry{Skills: []Entry{{Path: skillPath, SHA256: "deadbeef"}}}
	regPath := filepath.Join(dir, "registry.json")
	writeJSON(t, regPath, reg)

	_, err := Verify(true, regPath)
	if kinderr.KindOf(err) != kinderr.SkillVerification {
		t.Fatalf("expected SkillVerification kind, got %v", err)
	}
}

func TestVerifyMismatchNonStrictReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	reg := Registry{Skills: []Entry{{Path: "missing.go", SHA256: "deadbeef"}}}
	regPath := filepath.Join(dir, "registry.json")
	writeJSON(t, regPath, reg)

	ok, err := Verify(false, regPath)
	if err != nil {
		t.Fatalf("non-strict verify should not error, got %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing skill file")
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}
