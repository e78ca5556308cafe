package engine

import (
	"fmt"
	"sync"

	"judgebox/internal/judge/sandbox/spec"
)

// seccompProfiles loads each profile file once.
type seccompProfiles struct {
	enabled     bool
	defaultPath string

	mu     sync.Mutex
	byPath map[string]*spec.SeccompProfile
}

// newSeccompProfiles validates the default profile up front so a bad
// config fails at start-up rather than on the first run.
func newSeccompProfiles(cfg Config) (*seccompProfiles, error) {
	p := &seccompProfiles{
		enabled:     cfg.EnableSeccomp,
		defaultPath: cfg.SeccompProfile,
		byPath:      make(map[string]*spec.SeccompProfile),
	}
	if !p.enabled {
		return p, nil
	}
	if p.defaultPath == "" {
		return nil, fmt.Errorf("seccomp enabled without a profile")
	}
	if _, err := p.load(p.defaultPath); err != nil {
		return nil, err
	}
	return p, nil
}

// forRun returns the filter for one run, or nil when seccomp is off.
func (p *seccompProfiles) forRun(runSpec spec.RunSpec) (*spec.SeccompProfile, error) {
	if !p.enabled {
		return nil, nil
	}
	path := runSpec.SeccompProfile
	if path == "" {
		path = p.defaultPath
	}
	return p.load(path)
}

func (p *seccompProfiles) load(path string) (*spec.SeccompProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if profile, ok := p.byPath[path]; ok {
		return profile, nil
	}
	profile, err := spec.LoadSeccompProfile(path)
	if err != nil {
		return nil, err
	}
	p.byPath[path] = profile
	return profile, nil
}
