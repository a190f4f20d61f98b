// Package skillreg verifies that the skill source files on disk still match
// the SHA-256 fingerprints recorded for them, so a tampered or stale skill
// can't silently execute inside a plan. Grounded on
// packages/agents/skills_registry.py's verify_skills, generalized to the
// teacher's security.SkillManifest.Signature concept.
package skillreg

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/overhuman/overhuman/internal/kinderr"
)

// Entry is one registered skill's expected fingerprint.
type Entry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// Registry is the on-disk skills/registry.json shape: a flat list of
// path/sha256 pairs.
type Registry struct {
	Skills []Entry `json:"skills"`
}

// Load reads the registry at path. A missing file is not an error — it
// yields an empty registry, matching load_registry's os.path.exists guard.
func Load(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Registry{}, nil
		}
		return Registry{}, kinderr.New(kinderr.SchemaValidation, "skillreg.Load", err)
	}
	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return Registry{}, kinderr.New(kinderr.SchemaValidation, "skillreg.Load", err)
	}
	return reg, nil
}

// ShaFile hashes the contents of path with SHA-256, streaming in chunks.
func ShaFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks every registered entry's on-disk file against its recorded
// hash. When strict is true, any mismatch or missing entry is returned as a
// kinderr.SkillVerification error (mirroring verify_skills' RuntimeError);
// when false, it returns the pass/fail bool without erroring.
func Verify(strict bool, path string) (bool, error) {
	reg, err := Load(path)
	if err != nil {
		return false, err
	}
	ok := true
	for _, item := range reg.Skills {
		if item.Path == "" || item.SHA256 == "" {
			ok = false
			continue
		}
		if _, statErr := os.Stat(item.Path); statErr != nil {
			ok = false
			continue
		}
		actual, hashErr := ShaFile(item.Path)
		if hashErr != nil || actual != item.SHA256 {
			ok = false
		}
	}
	if strict && !ok {
		return false, kinderr.New(kinderr.SkillVerification, "skillreg.Verify",
			fmt.Errorf("skill signature check failed: on-disk files don't match registry.json"))
	}
	return ok, nil
}
