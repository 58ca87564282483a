// Package stream fans a single generation's events out to live consumers.
//
// # Channel
//
// A Channel is created per generation request:
//
//	ch := stream.NewChannel(logger)
//	ch.RegisterSink(connSink)
//	token, err := ch.CreateCompletionToken()
//	...
//	ch.Emit(ctx, stream.Event{Type: stream.EventText, Text: "hello"})
//	ch.SignalCompletion(ctx, token)
//
// Every event emitted before SignalCompletion is delivered, in order, to
// every sink, followed by exactly one EventEnd per sink.
//
// # Completion Token
//
// The channel issues at most one Token. Several code paths (the provider
// loop, a cancellation handler, a timeout) may race to finish the stream;
// only the holder of the token can close it, and repeating the close with the
// same token is a no-op. A second CreateCompletionToken, or a
// SignalCompletion with any other token, is a caller bug and returns
// ErrTokenAlreadyCreated or ErrNotOwner.
//
// # TTS Duplication
//
// RegisterTTSSink attaches a secondary chan<- TTSChunk that receives the text
// of text events only. Sends never block: a full TTS sink drops the chunk and
// logs. DeregisterTTSSink (and SignalCompletion) push a final chunk so the
// audio pipeline observes end-of-text.
//
// # Results
//
// Results returns the accumulated text, reasoning and tool calls for
// persistence after the live stream has ended.
package stream
