// Package retention decides which archives are eligible for deletion under an
// age/count policy. It performs no I/O: callers feed it a listing snapshot and
// apply the returned decision themselves, which keeps the same policy usable
// against both the local backup directory and the remote bucket.
package retention

import (
	"errors"
	"time"
)

// Policy is an archive retention policy. A zero field disables that criterion;
// a policy with both fields zero selects nothing.
type Policy struct {
	// MaxAgeDays deletes archives older than this many days.
	MaxAgeDays int `yaml:"max_age_days"`
	// MaxCount keeps at most this many archives, deleting the oldest beyond it.
	MaxCount int `yaml:"max_count"`
}

// Validate checks the policy fields.
func (p Policy) Validate() error {
	if p.MaxAgeDays < 0 {
		return errors.New("max_age_days cannot be negative")
	}
	if p.MaxCount < 0 {
		return errors.New("max_count cannot be negative")
	}
	return nil
}

// Enabled reports whether the policy has at least one active criterion.
func (p Policy) Enabled() bool {
	return p.MaxAgeDays > 0 || p.MaxCount > 0
}

// Entry is one archive in a location listing.
type Entry struct {
	Name      string
	CreatedAt time.Time
}

// SelectForDeletion returns the names of entries eligible for deletion at the
// given reference time. Entries must be sorted oldest-first, as returned by
// the store listings. An entry is selected when its age exceeds MaxAgeDays or
// its rank by recency exceeds MaxCount; either criterion alone suffices.
//
// The age cutoff is computed with calendar-day arithmetic on the reference
// time in UTC, so the decision does not depend on host locale or platform
// date parsing.
func SelectForDeletion(entries []Entry, policy Policy, now time.Time) []string {
	if !policy.Enabled() {
		return nil
	}

	var cutoff time.Time
	if policy.MaxAgeDays > 0 {
		cutoff = now.UTC().AddDate(0, 0, -policy.MaxAgeDays)
	}

	selected := make([]string, 0)
	total := len(entries)
	for i, entry := range entries {
		// Rank by recency: the newest entry has rank 1.
		rank := total - i

		tooOld := policy.MaxAgeDays > 0 && entry.CreatedAt.Before(cutoff)
		overCount := policy.MaxCount > 0 && rank > policy.MaxCount

		if tooOld || overCount {
			selected = append(selected, entry.Name)
		}
	}
	return selected
}
