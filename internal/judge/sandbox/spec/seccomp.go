package spec

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Seccomp actions understood by the helper.
const (
	SeccompAllow = "SCMP_ACT_ALLOW"
	SeccompErrno = "SCMP_ACT_ERRNO"
	SeccompKill  = "SCMP_ACT_KILL"
	SeccompTrap  = "SCMP_ACT_TRAP"
	SeccompLog   = "SCMP_ACT_LOG"
)

// SeccompProfile is a syscall filter in the docker profile layout.
type SeccompProfile struct {
	DefaultAction string        `json:"defaultAction"`
	Syscalls      []SeccompRule `json:"syscalls"`
}

// SeccompRule applies one action to a set of syscall names.
type SeccompRule struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

// LoadSeccompProfile reads and validates a profile file.
func LoadSeccompProfile(path string) (*SeccompProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seccomp profile: %w", err)
	}
	var profile SeccompProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse seccomp profile %s: %w", path, err)
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("seccomp profile %s: %w", path, err)
	}
	return &profile, nil
}

// Validate checks that every action is known and every rule names a syscall.
func (p *SeccompProfile) Validate() error {
	if !knownSeccompAction(p.DefaultAction) {
		return fmt.Errorf("unknown default action %q", p.DefaultAction)
	}
	for i, rule := range p.Syscalls {
		if !knownSeccompAction(rule.Action) {
			return fmt.Errorf("rule %d: unknown action %q", i, rule.Action)
		}
		if len(rule.Names) == 0 {
			return fmt.Errorf("rule %d: no syscall names", i)
		}
	}
	return nil
}

// JSON renders the profile for runtimes that take it inline.
func (p *SeccompProfile) JSON() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func knownSeccompAction(action string) bool {
	switch strings.ToUpper(action) {
	case SeccompAllow, SeccompErrno, SeccompKill, SeccompTrap, SeccompLog:
		return true
	}
	return false
}
