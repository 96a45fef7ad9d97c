package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/validate"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to OpenAI, or to any OpenAI-compatible API such as DeepSeek
type OpenAIClient struct {
	provider string
	client   *openai.Client
}

// NewOpenAIClient creates a chat-completions client. An empty baseURL keeps the library default.
func NewOpenAIClient(provider, apiKey, baseURL string, httpClient *http.Client) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAIClient{provider: provider, client: openai.NewClientWithConfig(cfg)}
}

func (c *OpenAIClient) Provider() string { return c.provider }

func (c *OpenAIClient) Generate(ctx context.Context, req *GenerateRequest) (*Generation, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, c.wrapError(err)
	}

	gen := &Generation{Usage: core.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}}
	if len(resp.Choices) > 0 {
		gen.Text = resp.Choices[0].Message.Content
	}
	return gen, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, req *GenerateRequest) (Stream, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, c.wrapError(err)
	}
	return &openAIStream{owner: c, stream: stream}, nil
}

func (c *OpenAIClient) buildRequest(req *GenerateRequest, stream bool) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertOpenAIMessages(req),
		Stream:   stream,
	}
	if stream {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	// Reasoning models reject sampling overrides.
	if !isReasoningModel(req.Model) {
		if req.Temperature != nil {
			chatReq.Temperature = float32Ptr(req.Temperature)
		}
		if req.TopP != nil {
			chatReq.TopP = float32Ptr(req.TopP)
		}
	}
	if req.MaxOutputTokens > 0 {
		if c.provider == core.ProviderOpenAI {
			chatReq.MaxCompletionTokens = req.MaxOutputTokens
		} else {
			chatReq.MaxTokens = req.MaxOutputTokens
		}
	}
	return chatReq
}

func isReasoningModel(model string) bool {
	return strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4")
}

func convertOpenAIMessages(req *GenerateRequest) []openai.ChatCompletionMessage {
	conv := req.conversation()
	messages := make([]openai.ChatCompletionMessage, 0, len(conv)+1)

	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range conv {
		role := openai.ChatMessageRoleUser
		if msg.Role == core.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		oaiMsg := openai.ChatCompletionMessage{Role: role}

		var images []openai.ChatMessagePart
		if role == openai.ChatMessageRoleUser {
			for _, file := range msg.Files() {
				mediaType, _, ok := validate.SplitDataURL(file.URL)
				if !ok || !isImage(mediaType) {
					continue
				}
				images = append(images, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    file.URL,
						Detail: openai.ImageURLDetailAuto,
					},
				})
			}
		}

		text := msg.Text()
		if len(images) == 0 {
			oaiMsg.Content = text
		} else {
			parts := make([]openai.ChatMessagePart, 0, len(images)+1)
			if text != "" {
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: text})
			}
			oaiMsg.MultiContent = append(parts, images...)
		}
		messages = append(messages, oaiMsg)
	}
	return messages
}

func (c *OpenAIClient) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{Provider: c.provider, StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	return fmt.Errorf("%s request: %w", c.provider, err)
}

type openAIStream struct {
	owner  *OpenAIClient
	stream *openai.ChatCompletionStream
	done   bool
}

func (s *openAIStream) Recv() (StreamEvent, error) {
	for {
		if s.done {
			return StreamEvent{}, io.EOF
		}
		chunk, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			return StreamEvent{}, io.EOF
		}
		if err != nil {
			return StreamEvent{}, s.owner.wrapError(err)
		}

		// The usage chunk arrives last with no choices.
		if chunk.Usage != nil {
			usage := core.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
			text := ""
			if len(chunk.Choices) > 0 {
				text = chunk.Choices[0].Delta.Content
			}
			return StreamEvent{Text: text, Usage: &usage}, nil
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			return StreamEvent{Text: chunk.Choices[0].Delta.Content}, nil
		}
	}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
