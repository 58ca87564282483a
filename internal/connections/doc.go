// Package connections tracks live client connections per user.
//
// Registry is an explicitly constructed, injected service. State lives only
// in process memory, so a multi-instance deployment would need to back it
// with a shared pub/sub layer.
//
// Push is best-effort. Callers persist durably first and treat the returned
// bool only as a hint that some client saw the message.
package connections
