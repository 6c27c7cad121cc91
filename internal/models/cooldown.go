package models

import (
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// Cool-down bounds. All computed durations are clamped into this range.
const (
	cooldownFloor = 60 * time.Second
	cooldownCeil  = 24 * time.Hour
)

// Default durations per failure reason.
const (
	rateLimitCooldown = 15 * time.Minute
	billingCooldown   = 6 * time.Hour
	timeoutCooldown   = 2 * time.Minute
)

// CooldownEntry tracks one provider/model cool-down. Process-local only.
type CooldownEntry struct {
	Until     time.Time
	Reason    string // rate_limit|billing|timeout
	LastError string
	LastAt    time.Time
}

// Cooldowns is the in-memory cool-down map for CLI backends.
// Entries are pruned lazily on read when Until has passed.
type Cooldowns struct {
	mu  sync.Mutex
	m   map[string]CooldownEntry
	now func() time.Time // test seam
}

// NewCooldowns creates an empty cool-down map.
func NewCooldowns() *Cooldowns {
	return &Cooldowns{m: map[string]CooldownEntry{}, now: time.Now}
}

// Retry-delay hints embedded in provider error messages.
var retryHintPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retryDelay"?\s*[:=]\s*"?(\d+)s`),
	regexp.MustCompile(`(?i)retry after (\d+)s`),
	regexp.MustCompile(`(?i)retry in (\d+)s`),
	regexp.MustCompile(`(?i)resets_in_seconds"?\s*[:=]\s*"?(\d+)`),
}

var resetsAtPattern = regexp.MustCompile(`(?i)resets_at"?\s*[:=]\s*"?(\d{10,13})`)

// Mark records a cool-down for the candidate based on the failure reason.
// Returns the zero time when the reason carries no cool-down.
func (cd *Cooldowns) Mark(c Candidate, reason, message string) time.Time {
	var d time.Duration
	switch reason {
	case ReasonRateLimit:
		d = rateLimitCooldown
		if hint, ok := parseRetryHint(message, cd.now()); ok {
			d = hint
		}
	case ReasonBilling:
		d = billingCooldown
	case ReasonTimeout:
		d = timeoutCooldown
	default:
		return time.Time{}
	}

	if d < cooldownFloor {
		d = cooldownFloor
	}
	if d > cooldownCeil {
		d = cooldownCeil
	}

	now := cd.now()
	until := now.Add(d)
	cd.mu.Lock()
	cd.m[c.Key()] = CooldownEntry{Until: until, Reason: reason, LastError: message, LastAt: now}
	cd.mu.Unlock()

	slog.Info("cli cooldown set", "candidate", c.Key(), "reason", reason, "until", until)
	return until
}

// Active reports whether the candidate has an unexpired cool-down,
// pruning the entry when it has lapsed.
func (cd *Cooldowns) Active(c Candidate) bool {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	e, ok := cd.m[c.Key()]
	if !ok {
		return false
	}
	if !cd.now().Before(e.Until) {
		delete(cd.m, c.Key())
		return false
	}
	return true
}

// Get returns the current entry for a candidate, if any.
func (cd *Cooldowns) Get(c Candidate) (CooldownEntry, bool) {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	e, ok := cd.m[c.Key()]
	return e, ok
}

// parseRetryHint extracts a retry delay from a provider error message.
func parseRetryHint(message string, now time.Time) (time.Duration, bool) {
	for _, re := range retryHintPatterns {
		if m := re.FindStringSubmatch(message); m != nil {
			secs, err := strconv.Atoi(m[1])
			if err == nil && secs > 0 {
				return time.Duration(secs) * time.Second, true
			}
		}
	}
	if m := resetsAtPattern.FindStringSubmatch(message); m != nil {
		epoch, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil {
			var at time.Time
			if len(m[1]) >= 13 {
				at = time.UnixMilli(epoch)
			} else {
				at = time.Unix(epoch, 0)
			}
			if d := at.Sub(now); d > 0 {
				return d, true
			}
		}
	}
	return 0, false
}
