package config

import "time"

// RetryTarget is one (status_code, error_code, interval, max_count) entry in
// a RetryPolicy's target list: a response matching both the status code and
// the error code is retried on its own schedule rather than the default one.
type RetryTarget struct {
	StatusCode int
	ErrorCode  string
	Interval   time.Duration
	MaxCount   int
}

// RetryPolicy governs the dispatcher's pre-success-response retry behavior
// for one operation (SPEC_FULL.md §4.3 "Retry policy").
type RetryPolicy struct {
	Targets []RetryTarget
	// Skip lists (status_code, error_code) pairs treated as success-equivalent:
	// a response matching one bypasses the retry/fail path entirely rather
	// than consuming a retry budget, since the underlying hardware operation
	// is idempotent and this response means its precondition already holds
	// (SPEC_FULL.md §4.3 "retry.skip").
	Skip            []RetryTarget
	DefaultInterval time.Duration
	DefaultMaxCount int
	Timeout         time.Duration
}

// Skips reports whether (statusCode, errorCode) matches a Skip entry.
func (p RetryPolicy) Skips(statusCode int, errorCode string) bool {
	for _, t := range p.Skip {
		if t.StatusCode == statusCode && t.ErrorCode == errorCode {
			return true
		}
	}
	return false
}

// Match reports whether (statusCode, errorCode) is retry-eligible under
// this policy, and the interval/remaining-count budget to apply. A response
// that matches no Target still retries under DefaultInterval/DefaultMaxCount
// whenever DefaultMaxCount is positive. The dispatcher consults Match for
// connection/timeout failures and for every non-2xx response that no Skip
// entry matches, so a 4xx is retried under the default budget as well.
func (p RetryPolicy) Match(statusCode int, errorCode string) (interval time.Duration, maxCount int, ok bool) {
	for _, t := range p.Targets {
		if t.StatusCode == statusCode && t.ErrorCode == errorCode {
			return t.Interval, t.MaxCount, true
		}
	}
	if p.DefaultMaxCount > 0 {
		return p.DefaultInterval, p.DefaultMaxCount, true
	}
	return 0, 0, false
}

// PollPolicy governs the dispatcher's post-success polling behavior
// (SPEC_FULL.md §4.3 "Polling policy").
type PollPolicy struct {
	Count    int
	Interval time.Duration
	// Targets lists status codes that mean "still in progress, keep polling".
	Targets []int
	// Skip lists error codes that mean "already achieved", short-circuiting
	// the poll loop with success.
	Skip []string
}

// InProgress reports whether statusCode means "still in progress, keep
// polling" under this policy.
func (p PollPolicy) InProgress(statusCode int) bool {
	for _, t := range p.Targets {
		if t == statusCode {
			return true
		}
	}
	return false
}

// Skips reports whether errorCode means "already achieved", short-circuiting
// the poll loop with success.
func (p PollPolicy) Skips(errorCode string) bool {
	for _, s := range p.Skip {
		if s == errorCode {
			return true
		}
	}
	return false
}

// DispatchPolicy is the first-class configuration input the dispatcher
// consults per operation (SPEC_FULL.md §9: "retry-eligible failure
// classification ... is a first-class config input, not a hardcoded rule").
type DispatchPolicy struct {
	Retry RetryPolicy
	Poll  PollPolicy
}

// DefaultDispatchPolicies returns a reasonable policy table for the four
// hardware operations plus the two workflow operations. Load always uses
// this table; no flag or environment variable overrides it. Retry/poll budgets are intentionally small
// so S5-style suspension scenarios (SPEC_FULL.md §8) exercise in realistic
// time during tests.
func DefaultDispatchPolicies() map[string]DispatchPolicy {
	hardware := DispatchPolicy{
		Retry: RetryPolicy{
			DefaultInterval: 200 * time.Millisecond,
			DefaultMaxCount: 3,
			Timeout:         5 * time.Second,
		},
		Poll: PollPolicy{
			Count:    5,
			Interval: 200 * time.Millisecond,
		},
	}
	workflow := DispatchPolicy{
		Retry: RetryPolicy{
			DefaultInterval: 300 * time.Millisecond,
			DefaultMaxCount: 3,
			Timeout:         5 * time.Second,
		},
		Poll: PollPolicy{
			Count:    5,
			Interval: 300 * time.Millisecond,
		},
	}
	return map[string]DispatchPolicy{
		"boot":       hardware,
		"shutdown":   hardware,
		"connect":    hardware,
		"disconnect": hardware,
		"start":      workflow,
		"stop":       workflow,
	}
}
