package registry

import (
	"errors"
	"os"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "registry-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	r, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistryPutGet(t *testing.T) {
	r := newTestRegistry(t)

	want := &Project{
		ID:             "acme",
		SigningSecrets: []string{"s1", "s2"},
		CORSOrigins:    []string{"https://app.example.com"},
		IsPublic:       true,
	}
	if err := r.Put(want); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, err := r.Get("acme")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ID != "acme" || len(got.SigningSecrets) != 2 || !got.IsPublic {
		t.Errorf("roundtrip mismatch: %+v", got)
	}

	if _, err := r.Get("missing"); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("got %v, want ErrProjectNotFound", err)
	}
}

func TestRegistryDelete(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Put(&Project{ID: "doomed", SigningSecrets: []string{"s"}}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := r.Delete("doomed"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := r.Get("doomed"); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("got %v, want ErrProjectNotFound", err)
	}
	// Deleting again is fine.
	if err := r.Delete("doomed"); err != nil {
		t.Errorf("repeated delete failed: %v", err)
	}
}

func TestProjectSecretsLegacyNormalization(t *testing.T) {
	tests := []struct {
		name string
		p    Project
		want []string
	}{
		{"modern only", Project{SigningSecrets: []string{"a", "b"}}, []string{"a", "b"}},
		{"legacy only", Project{LegacySecret: "old"}, []string{"old"}},
		{"legacy appended", Project{SigningSecrets: []string{"a"}, LegacySecret: "old"}, []string{"a", "old"}},
		{"legacy already present", Project{SigningSecrets: []string{"a", "old"}, LegacySecret: "old"}, []string{"a", "old"}},
		{"none", Project{}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.p.Secrets()
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestProjectAllowsOrigin(t *testing.T) {
	p := Project{CORSOrigins: []string{"https://a.example.com", "https://b.example.com"}}

	if !p.AllowsOrigin("https://a.example.com") {
		t.Error("listed origin should be allowed")
	}
	if p.AllowsOrigin("https://evil.example.com") {
		t.Error("unlisted origin should be denied")
	}

	wild := Project{CORSOrigins: []string{"*"}}
	if !wild.AllowsOrigin("https://anything.example.com") {
		t.Error("wildcard should allow any origin")
	}
}
