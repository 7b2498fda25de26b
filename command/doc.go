// Package command validates raw user input before anything is executed.
//
// Validation is pure: a raw string and the caller's working directory go
// in, and either an Invocation or a *Rejection comes out. An Invocation is
// a closed set of variants. ChangeDir is the built-in handled by the
// controller itself; Exec is an allow-listed external executable handed to
// the execution engine.
//
// Raw input is rejected outright if it contains any shell metacharacter
// (pipes, redirects, chaining, command substitution), even inside quotes,
// because the engine never runs a shell and such input can only be an
// attempt to smuggle one in.
//
// ResolveDir turns a ChangeDir target into a canonical directory and is
// the only function here that touches the filesystem.
package command
