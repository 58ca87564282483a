// Package dedupe drops repeated deliveries within a time window.
//
// External agent runtimes may resend a stream-end frame after a reconnect.
// The gateway records each correlation id in a Window and hands only the
// first delivery to orchestration; the coordinator's own pending-status
// check remains the durable guard.
package dedupe
