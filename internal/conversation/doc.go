// Package conversation streams in-process agent replies to live clients.
//
// # Relay
//
// Service implements agent.Relay. For each in-process generation it:
//
//  1. Creates a stream.Channel and a generation.Runtime for the request
//  2. Registers a sink that pushes every event to the originating session
//     as an "agent_stream" message
//  3. Registers a TTS sink when the session enabled speech
//  4. Copies provider responses into the channel, checking for
//     cancellation at each chunk
//  5. Signals completion with the channel's single token
//  6. Persists the accumulated text as an agent Message
//
// Persistence errors are returned wrapped in agent.ErrReplyNotPersisted.
// Live pushes are best-effort and never fail the generation.
//
// # Cancellation
//
// Running generations are tracked by request id. Cancel stops one
// explicitly. Disconnect applies each runtime's disconnect policy for a
// user's session: by default the generation is cancelled, unless it opted
// out with AllowDisconnect.
//
// # Speech
//
// SpeechQueue keeps a per-session speech flag. When set, each generation
// gets a buffered TTS sink whose text chunks are pushed to the session as
// "tts_text" messages for a synthesis client. A full sink drops chunks
// rather than slowing the text stream. The relay releases the sink after
// completion; a session whose final chunk was dropped still receives a
// final push at that point.
package conversation
