// Package session owns the lifecycle of sandbox sessions.
//
// A session is created Active with its working directory at the sandbox
// root. It becomes Expired when it has been idle longer than the idle
// timeout (observed by the Reaper or lazily by the next request) and
// Closed on explicit close. Both are terminal.
//
// Each session carries two locks. The run lock is held by a Lease for the
// whole duration of one command, so at most one command is in flight per
// session; a second Acquire fails immediately with ErrBusy. The data lock
// guards the session fields and is only ever held briefly, so listing and
// closing never wait on a running command.
package session
