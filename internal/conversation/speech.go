// ABOUTME: Per-session speech opt-in that hands out TTS sinks to generations
// ABOUTME: Each sink is drained into "tts_text" pushes for the session's speech client

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-chorus/internal/connections"
	"github.com/2389/coven-chorus/internal/stream"
)

// MessageTypeSpeech is the connections.Message type carrying text for synthesis.
const MessageTypeSpeech = "tts_text"

// SpeechChunk is the payload of a "tts_text" push. Final marks end-of-text.
type SpeechChunk struct {
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`
}

// SpeechQueue tracks which sessions want speech and feeds them text chunks.
type SpeechQueue struct {
	pusher      Pusher
	buffer      int
	pushTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	enabled map[string]bool
}

// NewSpeechQueue creates a queue whose sinks buffer up to buffer chunks.
func NewSpeechQueue(pusher Pusher, buffer int, pushTimeout time.Duration, logger *slog.Logger) *SpeechQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 1
	}
	return &SpeechQueue{
		pusher:      pusher,
		buffer:      buffer,
		pushTimeout: pushTimeout,
		logger:      logger.With("component", "speech"),
		enabled:     make(map[string]bool),
	}
}

func sessionKey(userID, sessionID string) string {
	return userID + "\x00" + sessionID
}

// SetEnabled turns speech on or off for a session.
func (q *SpeechQueue) SetEnabled(userID, sessionID string, on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := sessionKey(userID, sessionID)
	if on {
		q.enabled[key] = true
	} else {
		delete(q.enabled, key)
	}
}

// Enabled reports whether speech is on for the session.
func (q *SpeechQueue) Enabled(userID, sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enabled[sessionKey(userID, sessionID)]
}

// SinkFor returns a fresh sink for one generation, or a nil sink when speech
// is off. The caller must call release once nothing sends on the sink any
// more. If the final chunk was dropped under backpressure, release still ends
// the session's speech with a final push.
func (q *SpeechQueue) SinkFor(userID, sessionID string) (sink chan<- stream.TTSChunk, release func()) {
	if !q.Enabled(userID, sessionID) {
		return nil, func() {}
	}

	ch := make(chan stream.TTSChunk, q.buffer)
	go q.drain(userID, sessionID, ch)

	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

func (q *SpeechQueue) drain(userID, sessionID string, ch <-chan stream.TTSChunk) {
	var sawFinal bool
	for chunk := range ch {
		if sawFinal {
			continue
		}
		q.push(userID, sessionID, SpeechChunk{Text: chunk.Text, Final: chunk.Final})
		sawFinal = chunk.Final
	}
	if !sawFinal {
		q.logger.Debug("speech ended without final chunk", "user_id", userID, "session_id", sessionID)
		q.push(userID, sessionID, SpeechChunk{Final: true})
	}
}

func (q *SpeechQueue) push(userID, sessionID string, chunk SpeechChunk) {
	ctx := context.Background()
	if q.pushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.pushTimeout)
		defer cancel()
	}
	q.pusher.Push(ctx, userID, connections.Message{
		Type:      MessageTypeSpeech,
		SessionID: sessionID,
		Data:      chunk,
	}, true)
}
