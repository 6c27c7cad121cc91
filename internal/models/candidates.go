// Package models implements model selection, ordered failover and CLI
// provider cool-down tracking.
package models

import (
	"fmt"
	"strings"
)

// Candidate is a provider/model pair considered during failover.
type Candidate struct {
	Provider string
	Model    string
}

// Key returns the canonical "provider/model" form.
func (c Candidate) Key() string {
	return c.Provider + "/" + c.Model
}

func (c Candidate) String() string { return c.Key() }

func normalize(c Candidate) Candidate {
	return Candidate{
		Provider: strings.ToLower(strings.TrimSpace(c.Provider)),
		Model:    strings.TrimSpace(c.Model),
	}
}

// CandidateOptions configures BuildCandidates.
type CandidateOptions struct {
	// Requested is the caller's (provider, model); blank fields fall back to Default.
	Requested Candidate
	// Default is the configured primary pair.
	Default Candidate
	// Fallbacks are appended in order after the requested pair.
	Fallbacks []Candidate
	// AllowList, when non-empty, drops non-primary entries outside it.
	AllowList []Candidate
	// ExplicitOverride marks that the caller passed an explicit pair; when
	// false the configured primary is appended last.
	ExplicitOverride bool
	// IsCLI reports whether a provider runs as an out-of-process CLI backend.
	IsCLI func(provider string) bool
	// Cooldowns filters CLI candidates under an unexpired cool-down.
	Cooldowns *Cooldowns
}

// BuildCandidates produces the ordered, deduplicated candidate list.
//
// The first element is always the requested pair (or the default when blank).
// Fallbacks outside the allow-list are dropped. The CLI cool-down filter is
// advisory: when it would leave the list empty, the unfiltered list is kept.
func BuildCandidates(opts CandidateOptions) []Candidate {
	seed := normalize(opts.Requested)
	def := normalize(opts.Default)
	if seed.Provider == "" {
		seed.Provider = def.Provider
	}
	if seed.Model == "" {
		seed.Model = def.Model
	}

	allowed := func(c Candidate) bool {
		if len(opts.AllowList) == 0 {
			return true
		}
		for _, a := range opts.AllowList {
			if normalize(a) == c {
				return true
			}
		}
		return false
	}

	var out []Candidate
	seen := map[string]bool{}
	add := func(c Candidate) {
		c = normalize(c)
		if c.Provider == "" || c.Model == "" || seen[c.Key()] {
			return
		}
		seen[c.Key()] = true
		out = append(out, c)
	}

	add(seed)
	for _, f := range opts.Fallbacks {
		if allowed(normalize(f)) {
			add(f)
		}
	}
	if !opts.ExplicitOverride {
		add(def)
	}

	if opts.Cooldowns == nil || opts.IsCLI == nil {
		return out
	}
	filtered := make([]Candidate, 0, len(out))
	for _, c := range out {
		if opts.IsCLI(c.Provider) && opts.Cooldowns.Active(c) {
			continue
		}
		filtered = append(filtered, c)
	}
	if len(filtered) == 0 {
		// Cool-downs are advisory, not a hard block when nothing else is available.
		return out
	}
	return filtered
}

// FormatAttempts renders attempts for the failover summary error.
func FormatAttempts(attempts []Attempt) string {
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		parts = append(parts, fmt.Sprintf("%s: %s (%s)", a.Candidate.Key(), a.Message, a.Reason))
	}
	return strings.Join(parts, " | ")
}
