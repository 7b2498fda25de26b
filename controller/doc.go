// Package controller is the single entry point for sandbox operations.
//
// A Controller bundles the session store, rate limiter, validator,
// executor and audit log. Every boundary operation that changes state
// (CreateSession, Submit, CloseSession, Consume) writes exactly one audit
// record whatever its outcome, and every failure it returns is an *Error
// whose Kind tells the caller what to do next.
//
// Submit runs the steps in a fixed order: rate limit, session lease,
// validation, cd built-in or process execution, session history update,
// audit append. The first failing step short-circuits the rest except
// the audit append.
package controller
