package provider

import (
	"context"
	"strings"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
)

// GenerateRequest is a provider-neutral completion request
type GenerateRequest struct {
	Model           string
	System          string
	Messages        []core.ChatMessage
	Prompt          string
	Temperature     *float64
	TopP            *float64
	MaxOutputTokens int
}

// Generation is a complete, non-streamed answer
type Generation struct {
	Text  string
	Usage core.Usage
}

// StreamEvent carries either a text delta or, once at the end, the usage report
type StreamEvent struct {
	Text  string
	Usage *core.Usage
}

// Stream is an accepted streaming completion. Recv returns io.EOF after the last event.
type Stream interface {
	Recv() (StreamEvent, error)
	Close() error
}

// Client is one provider variant
type Client interface {
	Provider() string
	Generate(ctx context.Context, req *GenerateRequest) (*Generation, error)
	Stream(ctx context.Context, req *GenerateRequest) (Stream, error)
}

// conversation returns the messages to send, with the bare prompt appended as a user turn.
func (r *GenerateRequest) conversation() []core.ChatMessage {
	msgs := make([]core.ChatMessage, 0, len(r.Messages)+1)
	for _, m := range r.Messages {
		if m.Role == core.RoleSystem {
			continue
		}
		msgs = append(msgs, m)
	}
	if r.Prompt != "" {
		msgs = append(msgs, core.ChatMessage{Role: core.RoleUser, Content: r.Prompt})
	}
	return msgs
}

func isImage(mediaType string) bool {
	return strings.HasPrefix(mediaType, "image/")
}

func float32Ptr(v *float64) float32 {
	if v == nil {
		return 0
	}
	return float32(*v)
}
