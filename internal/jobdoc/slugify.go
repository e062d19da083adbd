// Copyright 2025 James Ross
package jobdoc

import (
	"regexp"
	"strings"
	"time"
)

var (
	nonWord    = regexp.MustCompile(`[^\w]+`)
	multiUnder = regexp.MustCompile(`_+`)
)

const maxSlugLen = 100

// Slugify derives the query-slug used in artifact paths: lowercase,
// strip non-word characters, collapse separator runs to a single
// underscore, truncate to 100 chars. Slugify is idempotent:
// Slugify(Slugify(q)) == Slugify(q) for all q.
func Slugify(query string) string {
	s := strings.ToLower(query)
	s = nonWord.ReplaceAllString(s, "_")
	s = multiUnder.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > maxSlugLen {
		s = s[:maxSlugLen]
		s = strings.TrimRight(s, "_")
	}
	return s
}

// ExpiresAt computes the epoch-seconds expiry for a job created now,
// given the configured TTL in days.
func ExpiresAt(now time.Time, ttlDays int) int64 {
	return now.Add(time.Duration(ttlDays) * 24 * time.Hour).Unix()
}

// IsStale reports whether a running job's last update is old enough for
// the stale-fail watchdog to consider it dead, or whether updated_at is
// missing/unparseable (treated as stale per spec).
func IsStale(updatedAt time.Time, now time.Time, staleMinutes int) bool {
	if updatedAt.IsZero() {
		return true
	}
	return now.Sub(updatedAt) > time.Duration(staleMinutes)*time.Minute
}
