// Package ratelimit enforces per-user budgets for each action category.
//
// Every (user, category) pair owns one fixed window. The first action in a
// fresh or elapsed window opens a new window at the current wall-clock
// time and consumes one unit; actions inside an exhausted window are
// rejected with the time remaining until it resets and consume nothing.
//
// Usage:
//
//	limiter := ratelimit.NewFromConfig(logger, cfg)
//	decision, err := limiter.Check("user-1", ratelimit.CommandExec)
//	if err == nil && !decision.Allowed {
//	    fmt.Printf("retry in %s\n", decision.RetryAfter)
//	}
package ratelimit
