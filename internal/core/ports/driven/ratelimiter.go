package driven

import "context"

// RateLimiter enforces a per-domain request budget: no more than N
// grants within any rolling window of length W for a given domain,
// across concurrent callers.
type RateLimiter interface {
	// Acquire blocks until a slot is available for the domain, then
	// returns. Grants are FIFO within a domain; no caller starves.
	Acquire(ctx context.Context, domain string) error

	// Report429 shrinks the domain's effective rate after the source
	// returned HTTP 429 (multiplicative back-off). The rate recovers
	// additively after a cooldown with no further 429s.
	Report429(domain string)

	// Utilization returns grants issued in the domain's current window.
	Utilization(domain string) int
}
