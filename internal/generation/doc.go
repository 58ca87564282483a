// Package generation provides the per-request cancellable runtime.
//
// A Runtime wraps one stream.Channel plus the background tasks (provider
// call, TTS synthesis) of a single generation. Cancel is idempotent and
// wakes every WaitForCancellation caller, whether it started waiting before
// or after the cancel. Tasks observe cancellation cooperatively by checking
// IsCancelled between chunks or selecting on their context.
//
// By default a client disconnect cancels the runtime. AllowDisconnect opts a
// long-running generation out so it keeps running after the client leaves.
package generation
