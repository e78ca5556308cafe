package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"judgebox/internal/judge/sandbox/spec"
)

const maxArtifactBytes int64 = 256 << 20

// scratch is the per-run directory tree. work is the only path the program
// may write to. root is an empty mount point the helper builds the sandbox
// root filesystem on.
type scratch struct {
	dir  string
	work string
	root string
}

func newScratch(workRoot, runID string) (*scratch, error) {
	if workRoot != "" {
		if err := os.MkdirAll(workRoot, 0755); err != nil {
			return nil, fmt.Errorf("create work root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(workRoot, "run-"+sanitize(runID)+"-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	s := &scratch{
		dir:  dir,
		work: filepath.Join(dir, "work"),
		root: filepath.Join(dir, "root"),
	}
	if err := os.Chmod(dir, 0755); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("chmod scratch dir: %w", err)
	}
	for _, p := range []string{s.work, s.root} {
		if err := os.Mkdir(p, 0755); err != nil {
			s.cleanup()
			return nil, fmt.Errorf("create scratch subdir: %w", err)
		}
	}
	return s, nil
}

func (s *scratch) materialize(files []spec.File) error {
	for _, f := range files {
		name, err := relativeName(f.Name)
		if err != nil {
			return err
		}
		mode := f.Mode.Perm()
		if mode == 0 {
			mode = 0644
		}
		target := filepath.Join(s.work, name)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("create dir for %s: %w", name, err)
		}
		if err := os.WriteFile(target, f.Data, mode); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		// WriteFile honours umask; the mode must survive for executables.
		if err := os.Chmod(target, mode); err != nil {
			return fmt.Errorf("chmod %s: %w", name, err)
		}
	}
	return nil
}

// collect reads regular files matching patterns. Symlinks are ignored so a
// program cannot point an artifact at a host file.
func (s *scratch) collect(patterns []string) (map[string][]byte, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	out := make(map[string][]byte)
	var total int64
	for _, pattern := range patterns {
		if _, err := relativeName(pattern); err != nil {
			return nil, err
		}
		matches, err := filepath.Glob(filepath.Join(s.work, pattern))
		if err != nil {
			return nil, fmt.Errorf("bad artifact pattern %q: %w", pattern, err)
		}
		for _, match := range matches {
			info, err := os.Lstat(match)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			total += info.Size()
			if total > maxArtifactBytes {
				return nil, fmt.Errorf("artifacts exceed %d bytes", maxArtifactBytes)
			}
			data, err := os.ReadFile(match)
			if err != nil {
				return nil, fmt.Errorf("read artifact: %w", err)
			}
			rel, err := filepath.Rel(s.work, match)
			if err != nil {
				return nil, err
			}
			out[filepath.ToSlash(rel)] = data
		}
	}
	return out, nil
}

func (s *scratch) cleanup() {
	_ = os.RemoveAll(s.dir)
}

func relativeName(name string) (string, error) {
	clean := filepath.Clean(name)
	if name == "" || filepath.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid scratch path %q", name)
	}
	return clean, nil
}

func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "run"
	}
	return b.String()
}
