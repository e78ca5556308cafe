package engine

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"judgebox/internal/judge/sandbox/spec"
	appErr "judgebox/pkg/errors"
)

func TestCappedBufferTruncates(t *testing.T) {
	buf := newCappedBuffer(5)
	n, err := buf.Write([]byte("abc"))
	if err != nil || n != 3 {
		t.Fatalf("unexpected write result: %d %v", n, err)
	}
	n, err = buf.Write([]byte("defgh"))
	if err != nil || n != 5 {
		t.Fatalf("writer must see full writes, got %d %v", n, err)
	}
	if buf.String() != "abcde" {
		t.Fatalf("unexpected content %q", buf.String())
	}
	if !buf.Truncated() {
		t.Fatalf("expected truncated flag")
	}
	if _, err := buf.Write([]byte("more")); err != nil {
		t.Fatalf("write after cap failed: %v", err)
	}
	if buf.String() != "abcde" {
		t.Fatalf("content changed after cap: %q", buf.String())
	}
}

func TestCappedBufferExactFit(t *testing.T) {
	buf := newCappedBuffer(4)
	_, _ = buf.Write([]byte("abcd"))
	if buf.Truncated() {
		t.Fatalf("exact fit must not be truncated")
	}
	_, _ = buf.Write(nil)
	if buf.Truncated() {
		t.Fatalf("empty write must not truncate")
	}
}

func TestScratchMaterializeAndCollect(t *testing.T) {
	scr, err := newScratch(t.TempDir(), "sub/1:run")
	if err != nil {
		t.Fatalf("new scratch failed: %v", err)
	}
	defer scr.cleanup()
	if !strings.HasPrefix(filepath.Base(scr.dir), "run-sub_1_run-") {
		t.Fatalf("unexpected scratch name %s", scr.dir)
	}

	err = scr.materialize([]spec.File{
		{Name: "main.py", Data: []byte("print(1)")},
		{Name: "bin/main", Data: []byte("ELF"), Mode: 0755},
	})
	if err != nil {
		t.Fatalf("materialize failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(scr.work, "bin/main"))
	if err != nil {
		t.Fatalf("stat binary: %v", err)
	}
	if info.Mode().Perm() != 0755 {
		t.Fatalf("expected mode 0755, got %v", info.Mode().Perm())
	}

	if err := os.WriteFile(filepath.Join(scr.work, "A.class"), []byte("a"), 0644); err != nil {
		t.Fatalf("write class: %v", err)
	}
	if err := os.WriteFile(filepath.Join(scr.work, "B.class"), []byte("b"), 0644); err != nil {
		t.Fatalf("write class: %v", err)
	}
	if err := os.Symlink("/etc/passwd", filepath.Join(scr.work, "C.class")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	got, err := scr.collect([]string{"*.class", "bin/main"})
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	want := map[string][]byte{
		"A.class":  []byte("a"),
		"B.class":  []byte("b"),
		"bin/main": []byte("ELF"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected artifacts: %v", got)
	}

	dir := scr.dir
	scr.cleanup()
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("scratch dir not removed: %v", err)
	}
}

func TestScratchRejectsEscapingPaths(t *testing.T) {
	scr, err := newScratch(t.TempDir(), "r1")
	if err != nil {
		t.Fatalf("new scratch failed: %v", err)
	}
	defer scr.cleanup()
	for _, name := range []string{"../x", "/etc/passwd", "", ".", "a/../../x"} {
		if err := scr.materialize([]spec.File{{Name: name, Data: []byte("x")}}); err == nil {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
	if _, err := scr.collect([]string{"../*"}); err == nil {
		t.Fatalf("expected escaping pattern to be rejected")
	}
}

func TestRunRegistryCancel(t *testing.T) {
	reg := newRunRegistry()
	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	ctx3, cancel3 := context.WithCancel(context.Background())
	defer cancel3()
	reg.register("s1", "r1", cancel1)
	reg.register("s1", "r2", cancel2)
	reg.register("s2", "r1", cancel3)

	if n := reg.cancel("s1"); n != 2 {
		t.Fatalf("expected 2 runs cancelled, got %d", n)
	}
	if ctx1.Err() == nil || ctx2.Err() == nil {
		t.Fatalf("submission runs not cancelled")
	}
	if ctx3.Err() != nil {
		t.Fatalf("other submission must keep running")
	}

	reg.unregister("s2", "r1")
	if n := reg.cancel("s2"); n != 0 {
		t.Fatalf("expected no runs after unregister, got %d", n)
	}
}

func TestValidateRunSpec(t *testing.T) {
	ok := spec.RunSpec{
		RunID:  "r1",
		Cmd:    []string{"true"},
		Limits: spec.ResourceLimit{WallTimeMs: 100, OutputBytes: 10},
	}
	if err := validateRunSpec(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := []func(*spec.RunSpec){
		func(s *spec.RunSpec) { s.RunID = "" },
		func(s *spec.RunSpec) { s.Cmd = nil },
		func(s *spec.RunSpec) { s.Limits.WallTimeMs = 0 },
		func(s *spec.RunSpec) { s.Limits.OutputBytes = 0 },
	}
	for i, mutate := range bad {
		s := ok
		mutate(&s)
		if err := validateRunSpec(s); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestSetupErrorCodes(t *testing.T) {
	err := setupError(os.ErrPermission, "start helper")
	if !appErr.Is(err, appErr.SandboxSetupError) {
		t.Fatalf("expected sandbox setup error, got %v", err)
	}
	if !strings.Contains(err.Error(), "start helper") {
		t.Fatalf("missing context in %q", err.Error())
	}
	if !appErr.Is(cancelledError(context.Canceled), appErr.Cancelled) {
		t.Fatalf("expected cancelled code")
	}
}

func TestExpandEnv(t *testing.T) {
	got := expandEnv([]string{"HOME={workdir}", "GOCACHE={workdir}/.gocache", "LANG=C"}, "/sandbox")
	want := []string{"HOME=/sandbox", "GOCACHE=/sandbox/.gocache", "LANG=C"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected env: %v", got)
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	if _, err := New(Config{Backend: "vm"}); err == nil {
		t.Fatalf("expected unknown backend error")
	}
}
