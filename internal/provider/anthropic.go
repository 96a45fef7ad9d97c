package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/util"
	"github.com/Plonkawojciech/open-kaap-pro/internal/validate"
)

// AnthropicClient calls the Messages API
type AnthropicClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewAnthropicClient(apiKey, baseURL string, httpClient *http.Client) *AnthropicClient {
	if baseURL == "" {
		baseURL = core.AnthropicBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &AnthropicClient{apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), client: httpClient}
}

func (c *AnthropicClient) Provider() string { return core.ProviderAnthropic }

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicContent struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage anthropicUsage `json:"usage"`
}

func (c *AnthropicClient) buildRequest(req *GenerateRequest, stream bool) anthropicRequest {
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = core.AnthropicDefaultMaxTok
	}

	conv := req.conversation()
	messages := make([]anthropicMessage, 0, len(conv))
	for _, msg := range conv {
		role := core.RoleUser
		if msg.Role == core.RoleAssistant {
			role = core.RoleAssistant
		}

		var content []anthropicContent
		if role == core.RoleUser {
			for _, file := range msg.Files() {
				mediaType, data, ok := validate.SplitDataURL(file.URL)
				if !ok || !isImage(mediaType) {
					continue
				}
				content = append(content, anthropicContent{
					Type:   "image",
					Source: &anthropicSource{Type: "base64", MediaType: mediaType, Data: data},
				})
			}
		}
		if text := msg.Text(); text != "" {
			content = append(content, anthropicContent{Type: core.PartTypeText, Text: text})
		}
		if len(content) == 0 {
			continue
		}
		messages = append(messages, anthropicMessage{Role: role, Content: content})
	}

	return anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      stream,
	}
}

func (c *AnthropicClient) newRequest(ctx context.Context, payload anthropicRequest) (*http.Request, error) {
	httpReq, err := util.NewJSONRequest(ctx, http.MethodPost, c.baseURL+"/v1/messages", payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set(core.HeaderXAPIKey, c.apiKey)
	httpReq.Header.Set(core.HeaderAnthropicVersion, core.AnthropicVersion)
	if payload.Stream {
		httpReq.Header.Set(core.HeaderAccept, core.ContentTypeEventStream)
	}
	return httpReq, nil
}

func (c *AnthropicClient) Generate(ctx context.Context, req *GenerateRequest) (*Generation, error) {
	httpReq, err := c.newRequest(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	resp, err := doJSON(c.client, core.ProviderAnthropic, httpReq)
	if err != nil {
		return nil, err
	}

	var apiResp anthropicResponse
	if err := decodeBody(core.ProviderAnthropic, resp, &apiResp); err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == core.PartTypeText {
			sb.WriteString(block.Text)
		}
	}
	return &Generation{
		Text: sb.String(),
		Usage: core.Usage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
			TotalTokens:  apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
	}, nil
}

func (c *AnthropicClient) Stream(ctx context.Context, req *GenerateRequest) (Stream, error) {
	httpReq, err := c.newRequest(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	resp, err := doJSON(c.client, core.ProviderAnthropic, httpReq)
	if err != nil {
		return nil, err
	}
	return &anthropicStream{reader: newSSEReader(resp.Body)}, nil
}

type anthropicStream struct {
	reader *sseReader
	usage  anthropicUsage
	done   bool
}

type anthropicEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *anthropicStream) finish() (StreamEvent, error) {
	s.done = true
	usage := core.Usage{
		InputTokens:  s.usage.InputTokens,
		OutputTokens: s.usage.OutputTokens,
		TotalTokens:  s.usage.InputTokens + s.usage.OutputTokens,
	}
	return StreamEvent{Usage: &usage}, nil
}

func (s *anthropicStream) Recv() (StreamEvent, error) {
	for {
		if s.done {
			return StreamEvent{}, io.EOF
		}
		data, err := s.reader.next()
		if errors.Is(err, io.EOF) {
			return s.finish()
		}
		if err != nil {
			return StreamEvent{}, fmt.Errorf("anthropic stream: %w", err)
		}

		var event anthropicEvent
		if err := util.UnmarshalJSON([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				s.usage.InputTokens = event.Message.Usage.InputTokens
				s.usage.OutputTokens = event.Message.Usage.OutputTokens
			}
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Text != "" {
				return StreamEvent{Text: event.Delta.Text}, nil
			}
		case "message_delta":
			if event.Usage != nil {
				s.usage.OutputTokens = event.Usage.OutputTokens
				if event.Usage.InputTokens > 0 {
					s.usage.InputTokens = event.Usage.InputTokens
				}
			}
		case "message_stop":
			return s.finish()
		case "error":
			s.done = true
			msg := "stream error"
			if event.Error != nil {
				msg = event.Error.Type + ": " + event.Error.Message
			}
			return StreamEvent{}, fmt.Errorf("anthropic stream: %s", msg)
		}
	}
}

func (s *anthropicStream) Close() error {
	return s.reader.Close()
}
