// Package toolchain maps language tags to compile and run commands.
package toolchain

import (
	"fmt"
	"sort"
	"strings"

	appErr "judgebox/pkg/errors"

	"github.com/google/shlex"
)

// ToolchainSpec describes how to build and run one language.
// Command templates may reference {src} and {bin}, which expand to the
// source and binary file names inside the scratch directory.
type ToolchainSpec struct {
	Tag        string   `yaml:"tag" json:"tag"`
	Aliases    []string `yaml:"aliases" json:"aliases,omitempty"`
	Name       string   `yaml:"name" json:"name"`
	Version    string   `yaml:"version" json:"version,omitempty"`
	SourceFile string   `yaml:"sourceFile" json:"source_file"`
	BinaryFile string   `yaml:"binaryFile" json:"binary_file,omitempty"`
	CompileCmd string   `yaml:"compileCmd" json:"compile_cmd,omitempty"`
	RunCmd     string   `yaml:"runCmd" json:"run_cmd"`
	// Artifacts are globs for compile outputs carried into every run.
	// When empty and a compile step exists, BinaryFile is carried.
	Artifacts        []string `yaml:"artifacts" json:"-"`
	Env              []string `yaml:"env" json:"-"`
	Image            string   `yaml:"image" json:"image,omitempty"`
	TimeMultiplier   float64  `yaml:"timeMultiplier" json:"time_multiplier,omitempty"`
	MemoryMultiplier float64  `yaml:"memoryMultiplier" json:"memory_multiplier,omitempty"`
	// MinProcesses is the process limit floor for runtimes that start
	// several OS threads.
	MinProcesses int64 `yaml:"minProcesses" json:"min_processes,omitempty"`
}

// NeedsCompile reports whether the toolchain defines a compile step.
func (t ToolchainSpec) NeedsCompile() bool {
	return strings.TrimSpace(t.CompileCmd) != ""
}

// CompileCommand expands the compile template into argv.
func (t ToolchainSpec) CompileCommand() ([]string, error) {
	if !t.NeedsCompile() {
		return nil, nil
	}
	return t.expand(t.CompileCmd)
}

// RunCommand expands the run template into argv.
func (t ToolchainSpec) RunCommand() ([]string, error) {
	return t.expand(t.RunCmd)
}

// ArtifactPatterns returns the globs collected after compilation.
func (t ToolchainSpec) ArtifactPatterns() []string {
	if !t.NeedsCompile() {
		return nil
	}
	if len(t.Artifacts) > 0 {
		return t.Artifacts
	}
	if t.BinaryFile != "" {
		return []string{t.BinaryFile}
	}
	return nil
}

func (t ToolchainSpec) expand(tpl string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	expanded := strings.ReplaceAll(tpl, "{src}", t.SourceFile)
	expanded = strings.ReplaceAll(expanded, "{bin}", t.BinaryFile)
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}

func (t ToolchainSpec) validate() error {
	if t.Tag == "" {
		return fmt.Errorf("toolchain tag is required")
	}
	if t.SourceFile == "" {
		return fmt.Errorf("toolchain %s: source file is required", t.Tag)
	}
	if strings.Contains(t.SourceFile, "/") || strings.Contains(t.BinaryFile, "/") {
		return fmt.Errorf("toolchain %s: file names must not contain a path", t.Tag)
	}
	if strings.Contains(t.CompileCmd+t.RunCmd, "{bin}") && t.BinaryFile == "" {
		return fmt.Errorf("toolchain %s: {bin} used without binary file", t.Tag)
	}
	if t.MinProcesses < 0 {
		return fmt.Errorf("toolchain %s: minProcesses must not be negative", t.Tag)
	}
	if _, err := t.RunCommand(); err != nil {
		return fmt.Errorf("toolchain %s: run command: %w", t.Tag, err)
	}
	if _, err := t.CompileCommand(); err != nil {
		return fmt.Errorf("toolchain %s: compile command: %w", t.Tag, err)
	}
	return nil
}

// Registry is a read-only lookup of toolchains by tag or alias.
type Registry struct {
	byTag  map[string]ToolchainSpec
	byName map[string]string
}

// NewRegistry builds a registry from the built-in toolchains overlaid with
// overrides. An override with an existing tag replaces the built-in entry.
func NewRegistry(overrides []ToolchainSpec) (*Registry, error) {
	merged := make(map[string]ToolchainSpec)
	for _, spec := range Builtin() {
		merged[normalizeTag(spec.Tag)] = spec
	}
	for _, spec := range overrides {
		spec.Tag = normalizeTag(spec.Tag)
		merged[spec.Tag] = spec
	}
	return newRegistry(merged)
}

// NewStaticRegistry builds a registry from exactly the given toolchains.
func NewStaticRegistry(specs []ToolchainSpec) (*Registry, error) {
	merged := make(map[string]ToolchainSpec, len(specs))
	for _, spec := range specs {
		spec.Tag = normalizeTag(spec.Tag)
		merged[spec.Tag] = spec
	}
	return newRegistry(merged)
}

func newRegistry(specs map[string]ToolchainSpec) (*Registry, error) {
	r := &Registry{
		byTag:  make(map[string]ToolchainSpec, len(specs)),
		byName: make(map[string]string),
	}
	for tag, spec := range specs {
		spec.Tag = tag
		if err := spec.validate(); err != nil {
			return nil, err
		}
		r.byTag[tag] = spec
		r.byName[tag] = tag
	}
	for tag, spec := range r.byTag {
		for _, alias := range spec.Aliases {
			alias = normalizeTag(alias)
			if alias == "" {
				continue
			}
			if owner, ok := r.byName[alias]; ok && owner != tag {
				return nil, fmt.Errorf("alias %q of %s already names %s", alias, tag, owner)
			}
			r.byName[alias] = tag
		}
	}
	return r, nil
}

// Resolve returns the toolchain for a tag or alias.
func (r *Registry) Resolve(tag string) (ToolchainSpec, error) {
	canonical, ok := r.byName[normalizeTag(tag)]
	if !ok {
		return ToolchainSpec{}, appErr.Newf(appErr.UnsupportedLanguage, "unsupported language: %s", tag).
			WithDetail("language", tag)
	}
	return r.byTag[canonical], nil
}

// List returns every toolchain ordered by tag.
func (r *Registry) List() []ToolchainSpec {
	out := make([]ToolchainSpec, 0, len(r.byTag))
	for _, spec := range r.byTag {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
