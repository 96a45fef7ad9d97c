package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/util"
	"github.com/Plonkawojciech/open-kaap-pro/internal/validate"
)

// GoogleClient calls the Gemini generateContent API
type GoogleClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewGoogleClient(apiKey, baseURL string, httpClient *http.Client) *GoogleClient {
	if baseURL == "" {
		baseURL = core.GoogleBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GoogleClient{apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), client: httpClient}
}

func (c *GoogleClient) Provider() string { return core.ProviderGoogle }

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

func (r *geminiResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String()
}

func (r *geminiResponse) usage() *core.Usage {
	if r.UsageMetadata == nil {
		return nil
	}
	u := core.Usage{
		InputTokens:  r.UsageMetadata.PromptTokenCount,
		OutputTokens: r.UsageMetadata.CandidatesTokenCount,
		TotalTokens:  r.UsageMetadata.TotalTokenCount,
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return &u
}

func buildGeminiRequest(req *GenerateRequest) geminiRequest {
	conv := req.conversation()
	contents := make([]geminiContent, 0, len(conv))
	for _, msg := range conv {
		role := core.RoleUser
		if msg.Role == core.RoleAssistant {
			role = core.RoleModel
		}

		var parts []geminiPart
		if text := msg.Text(); text != "" {
			parts = append(parts, geminiPart{Text: text})
		}
		if role == core.RoleUser {
			for _, file := range msg.Files() {
				mediaType, data, ok := validate.SplitDataURL(file.URL)
				if !ok {
					continue
				}
				parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: mediaType, Data: data}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, geminiContent{Role: role, Parts: parts})
	}

	gr := geminiRequest{Contents: contents}
	if req.System != "" {
		gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if req.Temperature != nil || req.TopP != nil || req.MaxOutputTokens > 0 {
		gr.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxOutputTokens,
		}
	}
	return gr
}

func (c *GoogleClient) newRequest(ctx context.Context, model, method string, query url.Values, payload any) (*http.Request, error) {
	endpoint := fmt.Sprintf("%s/%s%s:%s", c.baseURL, core.GoogleModelsPrefix, url.PathEscape(model), method)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	httpReq, err := util.NewJSONRequest(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set(core.HeaderGoogAPIKey, c.apiKey)
	return httpReq, nil
}

func (c *GoogleClient) Generate(ctx context.Context, req *GenerateRequest) (*Generation, error) {
	httpReq, err := c.newRequest(ctx, req.Model, "generateContent", nil, buildGeminiRequest(req))
	if err != nil {
		return nil, err
	}
	resp, err := doJSON(c.client, core.ProviderGoogle, httpReq)
	if err != nil {
		return nil, err
	}

	var apiResp geminiResponse
	if err := decodeBody(core.ProviderGoogle, resp, &apiResp); err != nil {
		return nil, err
	}

	gen := &Generation{Text: apiResp.text()}
	if u := apiResp.usage(); u != nil {
		gen.Usage = *u
	}
	return gen, nil
}

func (c *GoogleClient) Stream(ctx context.Context, req *GenerateRequest) (Stream, error) {
	httpReq, err := c.newRequest(ctx, req.Model, "streamGenerateContent", url.Values{"alt": {"sse"}}, buildGeminiRequest(req))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set(core.HeaderAccept, core.ContentTypeEventStream)
	resp, err := doJSON(c.client, core.ProviderGoogle, httpReq)
	if err != nil {
		return nil, err
	}
	return &googleStream{reader: newSSEReader(resp.Body)}, nil
}

// ListModels returns the model ids the key can use, without the "models/" prefix.
func (c *GoogleClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models?pageSize=1000", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set(core.HeaderGoogAPIKey, c.apiKey)
	resp, err := doJSON(c.client, core.ProviderGoogle, httpReq)
	if err != nil {
		return nil, err
	}

	var listResp struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := decodeBody(core.ProviderGoogle, resp, &listResp); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(listResp.Models))
	for _, m := range listResp.Models {
		if id := strings.TrimPrefix(m.Name, core.GoogleModelsPrefix); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// googleStream keeps the latest usage metadata; Gemini repeats it on every chunk.
type googleStream struct {
	reader *sseReader
	usage  *core.Usage
	done   bool
}

func (s *googleStream) Recv() (StreamEvent, error) {
	for {
		if s.done {
			return StreamEvent{}, io.EOF
		}
		data, err := s.reader.next()
		if errors.Is(err, io.EOF) {
			s.done = true
			usage := core.Usage{}
			if s.usage != nil {
				usage = *s.usage
			}
			return StreamEvent{Usage: &usage}, nil
		}
		if err != nil {
			return StreamEvent{}, fmt.Errorf("google stream: %w", err)
		}

		var chunk geminiResponse
		if err := util.UnmarshalJSON([]byte(data), &chunk); err != nil {
			continue
		}
		if u := chunk.usage(); u != nil {
			s.usage = u
		}
		if text := chunk.text(); text != "" {
			return StreamEvent{Text: text}, nil
		}
	}
}

func (s *googleStream) Close() error {
	return s.reader.Close()
}
