// ABOUTME: Secondary TTS sink that receives a copy of text chunks only
// ABOUTME: Backpressure is logged and dropped so audio never blocks primary text delivery

package stream

// TTSChunk is pushed to a TTS sink. Final marks end-of-text.
type TTSChunk struct {
	Text  string
	Final bool
}

// RegisterTTSSink attaches a secondary sink that receives the text of every
// subsequent text event. Registering replaces any previous TTS sink after
// sending it a final chunk.
func (c *Channel) RegisterTTSSink(sink chan<- TTSChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deregisterTTSLocked()
	c.tts = sink
	c.ttsEnabled = sink != nil
	c.ttsDuplicated = 0
}

// DeregisterTTSSink pushes a final chunk to the TTS sink, if one is
// registered, and clears all TTS state.
func (c *Channel) DeregisterTTSSink() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deregisterTTSLocked()
}

// TTSDuplicated returns how many text chunks reached the current TTS sink.
func (c *Channel) TTSDuplicated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttsDuplicated
}

// TTSActive reports whether a TTS sink is registered.
func (c *Channel) TTSActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttsEnabled
}

func (c *Channel) deregisterTTSLocked() {
	if c.tts == nil {
		return
	}
	if !c.pushTTSLocked(TTSChunk{Final: true}) {
		c.logger.Warn("tts sink did not accept final chunk")
	}
	c.logger.Debug("tts sink deregistered", "duplicated", c.ttsDuplicated)
	c.tts = nil
	c.ttsEnabled = false
	c.ttsDuplicated = 0
}

// pushTTSLocked never blocks. Returns false when the chunk was dropped.
func (c *Channel) pushTTSLocked(chunk TTSChunk) bool {
	select {
	case c.tts <- chunk:
		if !chunk.Final {
			c.ttsDuplicated++
		}
		return true
	default:
		c.logger.Warn("tts sink full, dropping chunk",
			"final", chunk.Final,
			"chars", len(chunk.Text))
		return false
	}
}
