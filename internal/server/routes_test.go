package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Plonkawojciech/open-kaap-pro/internal/config"
	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/provider"
	"github.com/Plonkawojciech/open-kaap-pro/internal/storage"
	"github.com/Plonkawojciech/open-kaap-pro/internal/util"
)

type stubClient struct {
	name      string
	chunks    []string
	streamErr error
	midErr    error
}

func (c *stubClient) Provider() string { return c.name }

func (c *stubClient) Generate(_ context.Context, req *provider.GenerateRequest) (*provider.Generation, error) {
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	return &provider.Generation{
		Text:  strings.Join(c.chunks, "") + " (" + req.Model + ")",
		Usage: core.Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
	}, nil
}

func (c *stubClient) Stream(_ context.Context, _ *provider.GenerateRequest) (provider.Stream, error) {
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	events := make([]provider.StreamEvent, 0, len(c.chunks)+1)
	for _, chunk := range c.chunks {
		events = append(events, provider.StreamEvent{Text: chunk})
	}
	events = append(events, provider.StreamEvent{Usage: &core.Usage{InputTokens: 1000, OutputTokens: 500}})
	return &stubStream{events: events, err: c.midErr}, nil
}

type stubStream struct {
	events []provider.StreamEvent
	err    error
}

func (s *stubStream) Recv() (provider.StreamEvent, error) {
	if len(s.events) == 0 {
		return provider.StreamEvent{}, io.EOF
	}
	if s.err != nil && len(s.events) == 1 {
		return provider.StreamEvent{}, s.err
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *stubStream) Close() error { return nil }

type stubResolver struct {
	clients map[string]*stubClient
}

func (r *stubResolver) Resolve(_ context.Context, id string, _ *core.Credentials) (provider.Client, error) {
	if c, ok := r.clients[id]; ok {
		return c, nil
	}
	return nil, core.MissingKeyError(core.EnvAnthropicKey)
}

func (r *stubResolver) ProviderFor(id string) string {
	if c, ok := r.clients[id]; ok {
		return c.name
	}
	return core.ProviderAnthropic
}

func testConfig(st core.StorageInterface) config.ServerConfig {
	return config.ServerConfig{
		Port:          "0",
		GinMode:       "test",
		TurnTimeout:   time.Second,
		UsageTracking: true,
		RateLimit:     1000,
		RateBurst:     1000,
		HTTPClientSettings: config.HTTPClientSettings{
			MaxIdleConns:        1,
			MaxIdleConnsPerHost: 1,
			MaxConnsPerHost:     1,
			IdleConnTimeout:     time.Second,
			TLSHandshakeTimeout: time.Second,
			RequestTimeout:      time.Second,
		},
		Storage: st,
		Logger:  &core.NopLogger{},
	}
}

func newTestServerWithConfig(t *testing.T, cfg config.ServerConfig) *Server {
	t.Helper()

	resolver := &stubResolver{clients: map[string]*stubClient{
		"gpt-4o":              {name: core.ProviderOpenAI, chunks: []string{"Hello", " world"}},
		"gemini-flash-latest": {name: core.ProviderGoogle, chunks: []string{"Gemini"}},
		"deepseek-chat":       {name: core.ProviderDeepSeek, streamErr: &provider.APIError{Provider: core.ProviderDeepSeek, StatusCode: 500, Body: "boom"}},
		"deepseek-reasoner":   {name: core.ProviderDeepSeek, chunks: []string{"partial", "never"}, midErr: errors.New("connection reset")},
		core.DefaultModel:     {name: core.ProviderAnthropic, chunks: []string{"Claude"}},
	}}

	server, err := newServer(cfg, resolver)
	if err != nil {
		t.Fatalf("创建测试 Server 失败: %v", err)
	}
	t.Cleanup(func() {
		_ = server.Close()
	})
	return server
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWithConfig(t, testConfig(storage.NewMemoryStorage()))
}

func doJSON(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(core.HeaderContentType, core.ContentTypeJSON)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := util.UnmarshalJSON(w.Body.Bytes(), v); err != nil {
		t.Fatalf("解析响应失败: %v (body=%s)", err, w.Body.String())
	}
}

// sseFrames splits an event stream body into its decoded frames; [DONE] becomes nil.
func sseFrames(t *testing.T, body string) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		data := strings.TrimPrefix(block, core.StreamChunkPrefix)
		if data == core.StreamChunkDoneMessage {
			frames = append(frames, nil)
			continue
		}
		var frame map[string]any
		if err := util.UnmarshalJSON([]byte(data), &frame); err != nil {
			t.Fatalf("解析 SSE 帧失败: %v (%s)", err, data)
		}
		frames = append(frames, frame)
	}
	return frames
}

func frameTypes(frames []map[string]any) []string {
	types := make([]string, 0, len(frames))
	for _, f := range frames {
		if f == nil {
			types = append(types, core.StreamChunkDoneMessage)
			continue
		}
		typ, _ := f["type"].(string)
		types = append(types, typ)
	}
	return types
}

func TestServerRoutes_HealthAndStatsPublic(t *testing.T) {
	cfg := testConfig(storage.NewMemoryStorage())
	cfg.ClientAPIKeys = []string{"test-key"}
	server := newTestServerWithConfig(t, cfg)

	for _, path := range []string{"/health", "/api/stats"} {
		w := doJSON(t, server, http.MethodGet, path, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s 应公开访问，实际 %d", path, w.Code)
		}
	}

	w := doJSON(t, server, http.MethodGet, "/api/models", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("/api/models 应需要认证，实际 %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	req.Header.Set(core.HeaderAuthorization, core.AuthBearerPrefix+"test-key")
	w = httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("/api/models 带认证应返回 200，实际 %d", w.Code)
	}
}

func TestChat_StreamsFrames(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server, http.MethodPost, "/api/chat",
		`{"model":"GPT-4o","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("chat 应返回 200，实际 %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get(core.HeaderContentType); !strings.HasPrefix(ct, core.ContentTypeEventStream) {
		t.Errorf("Content-Type 应为 event-stream，实际 %s", ct)
	}

	frames := sseFrames(t, w.Body.String())
	got := strings.Join(frameTypes(frames), ",")
	want := "start,text-delta,text-delta,finish,[DONE]"
	if got != want {
		t.Fatalf("帧顺序 = %s, want %s", got, want)
	}

	meta, _ := frames[0]["messageMetadata"].(map[string]any)
	if meta["model"] != "gpt-4o" || meta["provider"] != core.ProviderOpenAI {
		t.Errorf("start 元数据错误: %v", meta)
	}
	if frames[1]["delta"] != "Hello" || frames[2]["delta"] != " world" {
		t.Errorf("text-delta 内容错误: %v %v", frames[1], frames[2])
	}
	if frames[1]["id"] != frames[2]["id"] {
		t.Error("同一回复的 text-delta 应共用 id")
	}

	finish, _ := frames[3]["messageMetadata"].(map[string]any)
	if finish["totalTokens"] != float64(1500) {
		t.Errorf("finish 总 token 应为 1500，实际 %v", finish["totalTokens"])
	}
	if cost, _ := finish["costUSD"].(float64); cost <= 0 {
		t.Errorf("finish 应带费用，实际 %v", finish["costUSD"])
	}

	totals, _, err := server.tracker.Monthly(server.tracker.CurrentMonth())
	if err != nil {
		t.Fatalf("读取月度用量失败: %v", err)
	}
	if totals.TotalTokens != 1500 {
		t.Errorf("月度用量应为 1500，实际 %d", totals.TotalTokens)
	}
}

func TestChat_FallbackBeforeFirstFrame(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server, http.MethodPost, "/api/chat",
		`{"model":"deepseek-chat","fallbackModels":["gemini-flash-latest"],"messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("回退后应返回 200，实际 %d: %s", w.Code, w.Body.String())
	}
	frames := sseFrames(t, w.Body.String())
	meta, _ := frames[0]["messageMetadata"].(map[string]any)
	if meta["model"] != "gemini-flash-latest" {
		t.Errorf("应由回退模型服务，实际 %v", meta["model"])
	}

	entries, err := server.tracker.AuditLog(0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("应记录一条审计，实际 %d (%v)", len(entries), err)
	}
	if entries[0].UsedModel != "gemini-flash-latest" || entries[0].Model != "deepseek-chat" {
		t.Errorf("审计模型错误: %+v", entries[0])
	}
}

func TestChat_MissingKeyAnswersJSON(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server, http.MethodPost, "/api/chat",
		`{"model":"claude-opus-4-6","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("缺少密钥应返回 401，实际 %d: %s", w.Code, w.Body.String())
	}
	var body map[string]any
	decode(t, w, &body)
	if body["code"] != "E_MISSING_KEY" {
		t.Errorf("错误码应为 E_MISSING_KEY，实际 %v", body["code"])
	}

	entries, _ := server.tracker.AuditLog(0)
	if len(entries) != 1 || entries[0].ErrorCode != "E_MISSING_KEY" {
		t.Fatalf("失败应写入审计: %+v", entries)
	}
}

func TestChat_MidStreamErrorFrame(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server, http.MethodPost, "/api/chat",
		`{"model":"deepseek-reasoner","fallbackModels":["gpt-4o"],"messages":[{"role":"user","content":"hi"}]}`)
	frames := sseFrames(t, w.Body.String())
	types := frameTypes(frames)
	if types[len(types)-2] != core.EventError || types[len(types)-1] != core.StreamChunkDoneMessage {
		t.Fatalf("流中断应以 error 帧结束，实际 %v", types)
	}
	for _, f := range frames {
		if f == nil {
			continue
		}
		if meta, ok := f["messageMetadata"].(map[string]any); ok && meta["model"] == "gpt-4o" {
			t.Fatal("输出开始后不应回退")
		}
	}
}

func TestChat_UnknownActionAndBadBody(t *testing.T) {
	server := newTestServer(t)

	if w := doJSON(t, server, http.MethodPost, "/api/chat", `{"action":"dance"}`); w.Code != http.StatusBadRequest {
		t.Errorf("未知 action 应返回 400，实际 %d", w.Code)
	}
	if w := doJSON(t, server, http.MethodPost, "/api/chat", `{not json`); w.Code != http.StatusBadRequest {
		t.Errorf("非法请求体应返回 400，实际 %d", w.Code)
	}
}

func TestChat_TestAction(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server, http.MethodPost, "/api/chat", `{"action":"test","model":"gpt-4o"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("test 应返回 200，实际 %d: %s", w.Code, w.Body.String())
	}
	var body map[string]any
	decode(t, w, &body)
	if body["ok"] != true || body["model"] != "gpt-4o" {
		t.Errorf("test 响应错误: %v", body)
	}

	w = doJSON(t, server, http.MethodPost, "/api/chat", `{"action":"test","model":"claude-opus-4-6"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("test 缺少密钥应返回 401，实际 %d", w.Code)
	}
}

func TestChat_MultiAction(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server, http.MethodPost, "/api/chat",
		`{"action":"multi","model":"gpt-4o","models":["gemini-flash-latest","claude-opus-4-6"],"messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("multi 应返回 200，实际 %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		OK      bool `json:"ok"`
		Results []struct {
			Model string `json:"model"`
			Text  string `json:"text"`
			Error string `json:"error"`
		} `json:"results"`
		MergedText string `json:"mergedText"`
		MergeModel string `json:"mergeModel"`
	}
	decode(t, w, &body)

	if len(body.Results) != 3 || body.Results[0].Model != "gpt-4o" {
		t.Fatalf("结果应按 [主模型, ...] 排列: %+v", body.Results)
	}
	if body.Results[2].Error == "" {
		t.Error("缺少密钥的模型应内联报错")
	}
	if body.MergeModel != "gpt-4o" || body.MergedText == "" {
		t.Errorf("合并结果错误: model=%s text=%q", body.MergeModel, body.MergedText)
	}

	entries, _ := server.tracker.AuditLog(0)
	if len(entries) != 4 {
		t.Errorf("应记录 2 个成功、1 个失败和合并，共 4 条审计，实际 %d", len(entries))
	}

	if w := doJSON(t, server, http.MethodPost, "/api/chat", `{"action":"multi"}`); w.Code != http.StatusBadRequest {
		t.Errorf("空 models 应返回 400，实际 %d", w.Code)
	}
}

func TestChat_ProfileFallbacksApplied(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server, http.MethodPut, "/api/profiles", `{"Deepseek_Chat":{"fallbacks":["GPT-4o"]}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("保存 profile 失败: %d %s", w.Code, w.Body.String())
	}
	var profiles map[string]core.ModelProfile
	decode(t, w, &profiles)
	if got := profiles["deepseek-chat"].Fallbacks; len(got) != 1 || got[0] != "gpt-4o" {
		t.Fatalf("profile 应被规范化，实际 %v", profiles)
	}

	w = doJSON(t, server, http.MethodPost, "/api/chat",
		`{"model":"deepseek-chat","messages":[{"role":"user","content":"hi"}]}`)
	frames := sseFrames(t, w.Body.String())
	meta, _ := frames[0]["messageMetadata"].(map[string]any)
	if meta["model"] != "gpt-4o" {
		t.Errorf("应使用 profile 中的回退模型，实际 %v", meta["model"])
	}
}

func TestBudgetAndSubmissionCheck(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server, http.MethodPut, "/api/budget", `{"monthlyBudgetUSD":0.001,"alertThreshold":0.5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("保存预算失败: %d %s", w.Code, w.Body.String())
	}

	if w := doJSON(t, server, http.MethodPost, "/api/usage/check", `{"text":""}`); w.Code != http.StatusBadRequest {
		t.Errorf("空消息应返回 400，实际 %d", w.Code)
	}
	if w := doJSON(t, server, http.MethodPost, "/api/usage/check", `{"text":"hi"}`); w.Code != http.StatusOK {
		t.Errorf("预算内应返回 200，实际 %d", w.Code)
	}

	w = doJSON(t, server, http.MethodPost, "/api/chat",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	types := frameTypes(sseFrames(t, w.Body.String()))
	if strings.Join(types, ",") != "start,text-delta,text-delta,finish,budget,[DONE]" {
		t.Errorf("超出预算后应发送 budget 帧，实际 %v", types)
	}

	w = doJSON(t, server, http.MethodPost, "/api/usage/check", `{"model":"gpt-4o","text":"hi"}`)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("超出预算应返回 402，实际 %d", w.Code)
	}
	var body map[string]any
	decode(t, w, &body)
	if body["code"] != "E_BUDGET" {
		t.Errorf("错误码应为 E_BUDGET，实际 %v", body["code"])
	}

	w = doJSON(t, server, http.MethodGet, "/api/budget", "")
	var budget core.BudgetSettings
	decode(t, w, &budget)
	if budget.MonthlyBudgetUSD != 0.001 || budget.AlertThreshold != 0.5 {
		t.Errorf("预算读取错误: %+v", budget)
	}
}

func TestUsageEndpoints(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server, http.MethodPost, "/api/usage",
		`{"model":"gpt-4o","provider":"openai","inputTokens":1000,"outputTokens":500}`)
	if w.Code != http.StatusOK {
		t.Fatalf("上报用量失败: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, server, http.MethodPost, "/api/usage",
		`{"model":"gpt-4o","error":"rate limit exceeded"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("上报失败失败: %d %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, server, http.MethodPost, "/api/usage", `{"inputTokens":1}`); w.Code != http.StatusBadRequest {
		t.Errorf("缺少 model 应返回 400，实际 %d", w.Code)
	}

	w = doJSON(t, server, http.MethodGet, "/api/usage", "")
	var usageBody struct {
		Month    string                      `json:"month"`
		Totals   core.UsageTotals            `json:"totals"`
		PerModel map[string]core.UsageTotals `json:"perModel"`
	}
	decode(t, w, &usageBody)
	if usageBody.Totals.TotalTokens != 1500 || usageBody.PerModel["gpt-4o"].TotalTokens != 1500 {
		t.Errorf("月度用量错误: %+v", usageBody)
	}
	if usageBody.Month != server.tracker.CurrentMonth() {
		t.Errorf("默认月份应为当前月，实际 %s", usageBody.Month)
	}
	if w := doJSON(t, server, http.MethodGet, "/api/usage?month=2026-13", ""); w.Code != http.StatusBadRequest {
		t.Errorf("非法月份应返回 400，实际 %d", w.Code)
	}

	w = doJSON(t, server, http.MethodGet, "/api/audit?limit=1", "")
	var audit struct {
		Entries []core.AuditEntry `json:"entries"`
	}
	decode(t, w, &audit)
	if len(audit.Entries) != 1 || audit.Entries[0].ErrorCode != "E_RATE_LIMIT" {
		t.Errorf("审计应最新在前，实际 %+v", audit.Entries)
	}
	if w := doJSON(t, server, http.MethodGet, "/api/audit?limit=x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("非法 limit 应返回 400，实际 %d", w.Code)
	}
}

func TestModelsAndModes(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server, http.MethodPut, "/api/models/custom",
		`{"models":[{"id":"Models/My_Model","provider":"OpenAI","inputPrice":1,"outputPrice":2}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("保存自定义模型失败: %d %s", w.Code, w.Body.String())
	}
	if m, ok := server.registry.Lookup("my-model"); !ok || m.Provider != core.ProviderOpenAI {
		t.Fatalf("自定义模型应写入注册表，实际 %+v", m)
	}

	var stored []core.ModelDescriptor
	found, err := storage.LoadJSON(server.store, core.StoreKeyUserModels, &stored)
	if err != nil || !found || len(stored) != 1 {
		t.Fatalf("自定义模型应持久化: found=%v err=%v %+v", found, err, stored)
	}

	w = doJSON(t, server, http.MethodGet, "/api/models", "")
	if !bytes.Contains(w.Body.Bytes(), []byte(`"my-model"`)) || !bytes.Contains(w.Body.Bytes(), []byte(`"gpt-4o"`)) {
		t.Errorf("模型列表应包含内置和自定义模型: %s", w.Body.String())
	}

	w = doJSON(t, server, http.MethodGet, "/api/modes", "")
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"modes"`)) {
		t.Errorf("模式列表错误: %d %s", w.Code, w.Body.String())
	}
}

func TestStoredUserModelsLoadedOnStart(t *testing.T) {
	st := storage.NewMemoryStorage()
	if err := storage.SaveJSON(st, core.StoreKeyUserModels, []core.ModelDescriptor{{ID: "gemini-1.5-pro", Provider: core.ProviderGoogle}}); err != nil {
		t.Fatalf("写入存储失败: %v", err)
	}
	server := newTestServerWithConfig(t, testConfig(st))

	custom := server.registry.UserModels()
	if len(custom) != 1 || custom[0].ID != "gemini-pro-latest" {
		t.Errorf("存储的旧模型 id 应被规范化后加载，实际 %+v", custom)
	}
}

func TestAnalyticsEndpoint(t *testing.T) {
	server := newTestServer(t)

	chats := `{"chats":[{"id":"c1","name":"Pricey","messages":[` +
		`{"role":"assistant","content":"a","metadata":{"model":"gpt-4-turbo","inputTokens":100000,"outputTokens":50000}}]}],` +
		`"model":"gpt-4-turbo"}`
	w := doJSON(t, server, http.MethodPost, "/api/analytics", chats)
	if w.Code != http.StatusOK {
		t.Fatalf("analytics 应返回 200，实际 %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Chats []struct {
			ChatID      string   `json:"chatId"`
			TotalTokens int      `json:"totalTokens"`
			Hints       []string `json:"hints"`
		} `json:"chats"`
	}
	decode(t, w, &body)
	if len(body.Chats) != 1 || body.Chats[0].TotalTokens != 150000 {
		t.Fatalf("analytics 结果错误: %+v", body.Chats)
	}
	if len(body.Chats[0].Hints) == 0 {
		t.Error("高费用会话应给出优化建议")
	}

	// An empty body falls back to the stored chat sessions.
	w = doJSON(t, server, http.MethodPost, "/api/analytics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("空请求体应返回 200，实际 %d: %s", w.Code, w.Body.String())
	}
}

type spyStorage struct {
	mu       sync.Mutex
	saveCall int
	lastStat core.RequestStats
}

func (s *spyStorage) Load(string) ([]byte, bool, error) {
	return nil, false, nil
}

func (s *spyStorage) Save(key string, data []byte) error {
	if key != core.StatsStoreKey {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saveCall++
	var stats core.RequestStats
	if err := util.UnmarshalJSON(data, &stats); err != nil {
		return err
	}
	s.lastStat = stats
	return nil
}

func (s *spyStorage) Close() error {
	return nil
}

func (s *spyStorage) snapshot() (int, core.RequestStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveCall, s.lastStat
}

func TestServerClose_PersistsBufferedMetrics(t *testing.T) {
	st := &spyStorage{}
	server, err := newServer(testConfig(st), &stubResolver{})
	if err != nil {
		t.Fatalf("创建测试 Server 失败: %v", err)
	}

	server.metricsService.RecordRequest(true, 10, core.ActionChat, "gpt-4o", core.ProviderOpenAI)
	server.metricsService.RecordRequest(false, 20, core.ActionChat, "gpt-4o", core.ProviderOpenAI)

	beforeSaves, beforeStats := st.snapshot()
	if beforeStats.TotalRequests != 1 {
		t.Fatalf("关闭前应只持久化首条记录，实际 total=%d", beforeStats.TotalRequests)
	}

	if err := server.Close(); err != nil {
		t.Fatalf("关闭 Server 失败: %v", err)
	}

	afterSaves, afterStats := st.snapshot()
	if afterSaves <= beforeSaves {
		t.Fatalf("关闭后应触发最终持久化，save 次数 %d -> %d", beforeSaves, afterSaves)
	}
	if afterStats.TotalRequests != 2 {
		t.Fatalf("关闭后应持久化全部请求，实际 total=%d", afterStats.TotalRequests)
	}
	if len(afterStats.RequestHistory) != 2 {
		t.Fatalf("关闭后应持久化完整历史，实际 history=%d", len(afterStats.RequestHistory))
	}
}

func TestServerClose_Idempotent(t *testing.T) {
	server := newTestServer(t)

	if err := server.Close(); err != nil {
		t.Fatalf("第一次关闭失败: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("第二次关闭失败: %v", err)
	}
}

func TestNewServer_RequiresLoggerAndStorage(t *testing.T) {
	if _, err := NewServer(config.ServerConfig{Storage: storage.NewMemoryStorage()}); err == nil {
		t.Error("缺少 logger 应返回错误")
	}
	if _, err := NewServer(config.ServerConfig{Logger: &core.NopLogger{}}); err == nil {
		t.Error("缺少 storage 应返回错误")
	}
}

func TestChat_RejectsBadAttachment(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server, http.MethodPost, "/api/chat",
		`{"model":"gpt-4o","messages":[{"role":"user","parts":[{"type":"file","filename":"x.bmp","url":"data:image/bmp;base64,AAAA"}]}]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("不支持的图片应返回 400，实际 %d: %s", w.Code, w.Body.String())
	}
	var body map[string]any
	decode(t, w, &body)
	if body["code"] != "E_BAD_ATTACHMENT" {
		t.Errorf("错误码应为 E_BAD_ATTACHMENT，实际 %v", body["code"])
	}
}
