package spec_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"judgebox/internal/judge/sandbox/spec"
)

func TestShippedSeccompProfiles(t *testing.T) {
	for _, name := range []string{"run.json", "compile.json"} {
		profile, err := spec.LoadSeccompProfile(filepath.Join("..", "..", "..", "..", "configs", "seccomp", name))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if profile.DefaultAction != spec.SeccompAllow || len(profile.Syscalls) == 0 {
			t.Fatalf("%s: unexpected profile %+v", name, profile)
		}
		denied := map[string]bool{}
		for _, rule := range profile.Syscalls {
			for _, n := range rule.Names {
				denied[n] = rule.Action != spec.SeccompAllow
			}
		}
		for _, sc := range []string{"ptrace", "mount", "unshare", "bpf"} {
			if !denied[sc] {
				t.Fatalf("%s: %s must be denied", name, sc)
			}
		}
		if name == "run.json" && !denied["socket"] {
			t.Fatalf("run profile must deny socket")
		}
	}
}

func TestLoadSeccompProfileRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown default": `{"defaultAction":"SCMP_ACT_NOPE","syscalls":[]}`,
		"unknown action":  `{"defaultAction":"SCMP_ACT_ALLOW","syscalls":[{"names":["ptrace"],"action":"deny"}]}`,
		"no names":        `{"defaultAction":"SCMP_ACT_ALLOW","syscalls":[{"names":[],"action":"SCMP_ACT_ERRNO"}]}`,
		"not json":        `defaultAction: allow`,
	}
	dir := t.TempDir()
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".json")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatalf("write profile: %v", err)
			}
			if _, err := spec.LoadSeccompProfile(path); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if _, err := spec.LoadSeccompProfile(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatalf("expected error for a missing file")
	}
}

func TestSeccompProfileJSON(t *testing.T) {
	p := &spec.SeccompProfile{
		DefaultAction: spec.SeccompAllow,
		Syscalls:      []spec.SeccompRule{{Names: []string{"ptrace"}, Action: spec.SeccompErrno}},
	}
	got, err := p.JSON()
	if err != nil {
		t.Fatalf("json failed: %v", err)
	}
	want := `{"defaultAction":"SCMP_ACT_ALLOW","syscalls":[{"names":["ptrace"],"action":"SCMP_ACT_ERRNO"}]}`
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
