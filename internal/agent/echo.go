// ABOUTME: Built-in in-process agent that streams the user's words back one chunk at a time
// ABOUTME: Useful for smoke-testing live streaming and TTS duplication without a model backend

package agent

import (
	"context"
	"strings"
	"time"
)

// EchoProvider replies with the request content, prefixed with its name.
type EchoProvider struct {
	Name string
	// Delay between chunks. Zero streams as fast as the consumer reads.
	Delay time.Duration
}

// Generate streams the reply word by word and ends with EventDone.
func (e *EchoProvider) Generate(ctx context.Context, req *Request) (<-chan *Response, error) {
	out := make(chan *Response, 16)

	go func() {
		defer close(out)

		reply := e.Name + " heard: " + req.Content
		words := strings.SplitAfter(reply, " ")
		for _, w := range words {
			select {
			case out <- &Response{Event: EventText, Text: w}:
			case <-ctx.Done():
				return
			}
			if e.Delay > 0 {
				select {
				case <-time.After(e.Delay):
				case <-ctx.Done():
					return
				}
			}
		}

		select {
		case out <- &Response{Event: EventDone, Done: true}:
		case <-ctx.Done():
		}
	}()

	return out, nil
}
