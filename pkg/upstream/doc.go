// Package upstream provides the HTTP client for the upstream content site.
//
// Every attempt passes through the same gates in order:
//
//  1. the shared rate limit state (ratelimit.Tracker), which rejects requests
//     while the upstream has asked us to back off
//  2. a local token bucket (golang.org/x/time/rate) pacing sustained load
//  3. a circuit breaker (sony/gobreaker) that opens after consecutive server
//     or transport failures
//
// Failed attempts are classified (see ErrorClass) and retried with
// exponential backoff and jitter when the class is transient. Warmup jobs use
// a copy of the client with NoRetry: a page that fails is picked up by the
// next warmup run.
//
// Example:
//
//	c, err := upstream.New(upstream.DefaultConfig("https://example.com", "content-cache/1.0"))
//	if err != nil {
//	    return err
//	}
//	page, err := c.FetchPage(ctx, "1f2e3d4c5b6a79881f2e3d4c5b6a7988")
package upstream
