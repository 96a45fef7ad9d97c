package usage

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/storage"
)

var fixedNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T) (*Tracker, core.StorageInterface) {
	t.Helper()
	store := storage.NewMemoryStorage()
	tracker := NewTracker(Config{Store: store, Now: func() time.Time { return fixedNow }})
	return tracker, store
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func seed(t *testing.T, store core.StorageInterface, key string, v any) {
	t.Helper()
	if err := storage.SaveJSON(store, key, v); err != nil {
		t.Fatalf("写入测试数据失败: %v", err)
	}
}

func TestCost(t *testing.T) {
	tracker, _ := newTestTracker(t)

	if got := tracker.Cost("gpt-4o", 1000, 500); !approx(got, 0.0075) {
		t.Errorf("gpt-4o 费用错误: %v", got)
	}
	if got := tracker.Cost("no-such-model", 1000, 500); got != 0 {
		t.Errorf("未知模型费用应为0: %v", got)
	}
}

func TestRecordTurn_Accumulates(t *testing.T) {
	tracker, _ := newTestTracker(t)

	rec := TurnRecord{
		Action:    core.ActionChat,
		Model:     "gpt-4o",
		Mode:      "szybki",
		FileNames: []string{"a.png"},
		Usage:     core.Usage{InputTokens: 1000, OutputTokens: 500},
	}
	for i := 0; i < 2; i++ {
		if _, err := tracker.RecordTurn(rec); err != nil {
			t.Fatalf("记录失败: %v", err)
		}
	}

	out, err := tracker.RecordTurn(TurnRecord{
		Action:    core.ActionChat,
		Model:     "gpt-4o",
		UsedModel: "no-such-model",
		Usage:     core.Usage{InputTokens: 10, OutputTokens: 10},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.CostUSD != 0 {
		t.Errorf("未知模型费用应为0: %v", out.CostUSD)
	}
	if out.Entry.UsedModel != "no-such-model" || out.Entry.Model != "gpt-4o" {
		t.Errorf("审计条目模型错误: %+v", out.Entry)
	}

	monthly, perModel, err := tracker.Monthly("")
	if err != nil {
		t.Fatal(err)
	}
	if monthly.TotalTokens != 3020 || monthly.InputTokens != 2010 {
		t.Errorf("月度token累计错误: %+v", monthly)
	}
	if !approx(monthly.CostUSD, 0.015) {
		t.Errorf("月度费用错误: %v", monthly.CostUSD)
	}
	if !approx(perModel["gpt-4o"].CostUSD, 0.015) || perModel["no-such-model"].TotalTokens != 20 {
		t.Errorf("按模型累计错误: %+v", perModel)
	}

	entries, err := tracker.AuditLog(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("审计条目数量错误: %d", len(entries))
	}
	first := entries[2]
	if first.Provider != core.ProviderOpenAI || !first.HasFiles || first.Mode != "szybki" {
		t.Errorf("审计条目字段错误: %+v", first)
	}
	if first.Timestamp != fixedNow.UnixMilli() || first.ID == "" {
		t.Errorf("审计条目时间或ID错误: %+v", first)
	}
}

func TestRecordTurn_OtherMonthUntouched(t *testing.T) {
	tracker, store := newTestTracker(t)
	seed(t, store, core.StoreKeyUsagePrefix+"2026-09", core.UsageTotals{CostUSD: 5})

	if _, err := tracker.RecordTurn(TurnRecord{Model: "gpt-4o", Usage: core.Usage{InputTokens: 1000}}); err != nil {
		t.Fatal(err)
	}
	previous, _, err := tracker.Monthly("2026-09")
	if err != nil {
		t.Fatal(err)
	}
	if previous.CostUSD != 5 {
		t.Errorf("上月数据不应变化: %+v", previous)
	}
	if tracker.CurrentMonth() != "2026-10" {
		t.Errorf("当前月份错误: %s", tracker.CurrentMonth())
	}
}

func TestAuditLog_CapNewestFirst(t *testing.T) {
	tracker, store := newTestTracker(t)

	old := make([]core.AuditEntry, core.AuditLogCap)
	for i := range old {
		old[i] = core.AuditEntry{ID: fmt.Sprintf("old-%d", i), Model: "gpt-4o"}
	}
	seed(t, store, core.StoreKeyAuditLog, old)

	entry, err := tracker.RecordFailure(TurnRecord{Model: "gpt-4o"}, errors.New("boom"))
	if err != nil {
		t.Fatal(err)
	}

	entries, err := tracker.AuditLog(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != core.AuditLogCap {
		t.Fatalf("审计日志应截断为 %d 条, 实际 %d", core.AuditLogCap, len(entries))
	}
	if entries[0].ID != entry.ID {
		t.Errorf("最新条目应在最前: %s", entries[0].ID)
	}
	if last := entries[len(entries)-1].ID; last != fmt.Sprintf("old-%d", core.AuditLogCap-2) {
		t.Errorf("最旧条目应被丢弃, 末尾为 %s", last)
	}

	limited, err := tracker.AuditLog(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 10 {
		t.Errorf("limit 无效: %d", len(limited))
	}
}

func TestRecordFailure_Codes(t *testing.T) {
	tests := []struct {
		name  string
		cause error
		want  string
	}{
		{"缺少密钥", core.MissingKeyError(core.EnvAnthropicKey), "E_MISSING_KEY"},
		{"限流", errors.New("openai API error 429: slow down"), "E_RATE_LIMIT"},
		{"未知", errors.New("something odd"), "E_UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, _ := newTestTracker(t)
			entry, err := tracker.RecordFailure(TurnRecord{Action: core.ActionChat, Model: "claude-sonnet-4-6"}, tt.cause)
			if err != nil {
				t.Fatal(err)
			}
			if entry.ErrorCode != tt.want {
				t.Errorf("期望 %s, 实际 %s", tt.want, entry.ErrorCode)
			}
			if entry.Error != tt.cause.Error() || entry.CostUSD != 0 {
				t.Errorf("失败条目字段错误: %+v", entry)
			}
			if entry.Provider != core.ProviderAnthropic {
				t.Errorf("提供商错误: %s", entry.Provider)
			}
		})
	}
}

func TestBudget_WarningThreshold(t *testing.T) {
	tests := []struct {
		name  string
		spent float64
		want  bool
	}{
		{"79%", 0.79, false},
		{"80%", 0.80, true},
		{"超出", 1.20, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, store := newTestTracker(t)
			if _, err := tracker.SetBudget(core.BudgetSettings{MonthlyBudgetUSD: 1}); err != nil {
				t.Fatal(err)
			}
			seed(t, store, core.StoreKeyUsagePrefix+"2026-10", core.UsageTotals{CostUSD: tt.spent})

			out, err := tracker.RecordTurn(TurnRecord{Model: "no-such-model", Usage: core.Usage{InputTokens: 1}})
			if err != nil {
				t.Fatal(err)
			}
			got := len(out.Notices) == 1 && out.Notices[0].Kind == core.NoticeWarning
			if got != tt.want {
				t.Errorf("警告状态错误: %+v", out.Notices)
			}
			if got && !strings.Contains(out.Notices[0].Message, "monthly budget") {
				t.Errorf("警告消息错误: %s", out.Notices[0].Message)
			}
		})
	}
}

func TestBudget_HardStopWithoutMonthlyCap(t *testing.T) {
	tracker, _ := newTestTracker(t)
	if _, err := tracker.SetBudget(core.BudgetSettings{PerModelLimitUSD: map[string]float64{"GPT_4o": 0.005}}); err != nil {
		t.Fatal(err)
	}

	out, err := tracker.RecordTurn(TurnRecord{Model: "gpt-4o", Usage: core.Usage{InputTokens: 1000, OutputTokens: 500}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Notices) != 1 {
		t.Fatalf("应只有一个通知: %+v", out.Notices)
	}
	n := out.Notices[0]
	if n.Kind != core.NoticeHardStop || n.Model != "gpt-4o" || n.LimitUSD != 0.005 {
		t.Errorf("硬停止通知错误: %+v", n)
	}
}

func TestBudget_TurnCrossesThresholdAndModelCap(t *testing.T) {
	tracker, store := newTestTracker(t)
	if _, err := tracker.SetBudget(core.BudgetSettings{
		MonthlyBudgetUSD: 10,
		PerModelLimitUSD: map[string]float64{"gpt-4o": 0.01},
	}); err != nil {
		t.Fatal(err)
	}
	seed(t, store, core.StoreKeyUsagePrefix+"2026-10", core.UsageTotals{CostUSD: 7.90})

	// 100k in + 50k out on gpt-4o costs $0.75, carrying the month from 79% to 86.5%.
	out, err := tracker.RecordTurn(TurnRecord{Model: "gpt-4o", Usage: core.Usage{InputTokens: 100000, OutputTokens: 50000}})
	if err != nil {
		t.Fatal(err)
	}
	if !approx(out.CostUSD, 0.75) || !approx(out.Monthly.CostUSD, 8.65) {
		t.Errorf("费用累计错误: cost=%v monthly=%v", out.CostUSD, out.Monthly.CostUSD)
	}
	if len(out.Notices) != 2 {
		t.Fatalf("应同时产生警告和硬停止: %+v", out.Notices)
	}
	if out.Notices[0].Kind != core.NoticeWarning || out.Notices[1].Kind != core.NoticeHardStop {
		t.Errorf("通知类型错误: %+v", out.Notices)
	}
	if !approx(out.Notices[0].RemainingUSD, 1.35) {
		t.Errorf("剩余预算错误: %v", out.Notices[0].RemainingUSD)
	}
}

func TestBudget_ExceededMessage(t *testing.T) {
	tracker, store := newTestTracker(t)
	if _, err := tracker.SetBudget(core.BudgetSettings{MonthlyBudgetUSD: 1}); err != nil {
		t.Fatal(err)
	}
	seed(t, store, core.StoreKeyUsagePrefix+"2026-10", core.UsageTotals{CostUSD: 2.40})

	out, err := tracker.RecordTurn(TurnRecord{Model: "no-such-model", Usage: core.Usage{InputTokens: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Notices) != 1 {
		t.Fatalf("应有一个警告: %+v", out.Notices)
	}
	n := out.Notices[0]
	if n.RemainingUSD != 0 {
		t.Errorf("剩余预算不应为负: %v", n.RemainingUSD)
	}
	if strings.Contains(n.Message, "-") || !strings.Contains(n.Message, "exceeded the monthly budget by $1.4000") {
		t.Errorf("超出预算消息错误: %s", n.Message)
	}
}

func TestBudget_AliasModelLimits(t *testing.T) {
	tracker, store := newTestTracker(t)
	if _, err := tracker.SetBudget(core.BudgetSettings{PerModelLimitUSD: map[string]float64{"gemini-1.5-pro": 0.01}}); err != nil {
		t.Fatal(err)
	}
	seed(t, store, core.StoreKeyUsageModelPrefix+"2026-10", map[string]core.UsageTotals{"gemini-pro-latest": {CostUSD: 5}})

	for _, id := range []string{"gemini-1.5-pro", "models/Gemini_1_5_Pro", "gemini-pro-latest"} {
		err := tracker.CheckSubmission(Submission{Model: id, Text: "hi"})
		if httpErr, ok := core.AsHTTPError(err); !ok || httpErr.Code != "E_BUDGET" {
			t.Errorf("%s 应受 gemini-pro-latest 限额约束: %v", id, err)
		}
	}

	out, err := tracker.RecordTurn(TurnRecord{Model: "gemini-1.5-pro", Usage: core.Usage{InputTokens: 1000, OutputTokens: 1000}})
	if err != nil {
		t.Fatal(err)
	}
	if !approx(out.CostUSD, 0.014) {
		t.Errorf("别名应按 gemini-pro-latest 计价: %v", out.CostUSD)
	}
	if len(out.Notices) != 1 || out.Notices[0].Kind != core.NoticeHardStop || out.Notices[0].Model != "gemini-pro-latest" {
		t.Errorf("别名模型应触发硬停止: %+v", out.Notices)
	}

	_, perModel, err := tracker.Monthly("")
	if err != nil {
		t.Fatal(err)
	}
	if len(perModel) != 1 || !approx(perModel["gemini-pro-latest"].CostUSD, 5.014) {
		t.Errorf("别名用量应合并到 gemini-pro-latest: %+v", perModel)
	}
}

func TestSetBudget_Normalizes(t *testing.T) {
	tracker, _ := newTestTracker(t)

	b, err := tracker.SetBudget(core.BudgetSettings{
		MonthlyBudgetUSD: -3,
		PerModelLimitUSD: map[string]float64{"models/Gemini_1-5-Pro": 2, "gpt-4o": 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if b.MonthlyBudgetUSD != 0 || b.AlertThreshold != core.DefaultAlertThreshold {
		t.Errorf("预算规范化错误: %+v", b)
	}
	if len(b.PerModelLimitUSD) != 1 || b.PerModelLimitUSD["gemini-pro-latest"] != 2 {
		t.Errorf("模型限额规范化错误: %+v", b.PerModelLimitUSD)
	}

	loaded, err := tracker.Budget()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.PerModelLimitUSD["gemini-pro-latest"] != 2 {
		t.Errorf("读取的预算错误: %+v", loaded)
	}
}

func TestMonthly_NormalizesStoredIDs(t *testing.T) {
	tracker, store := newTestTracker(t)
	seed(t, store, core.StoreKeyUsageModelPrefix+"2026-10", map[string]core.UsageTotals{
		"gemini-1.5-pro":    {TotalTokens: 10, CostUSD: 1},
		"gemini-pro-latest": {TotalTokens: 5, CostUSD: 2},
	})
	seed(t, store, core.StoreKeyAuditLog, []core.AuditEntry{{ID: "a", Model: "gemini-1.5-flash", UsedModel: "gemini-1.5-pro"}})

	_, perModel, err := tracker.Monthly("2026-10")
	if err != nil {
		t.Fatal(err)
	}
	if len(perModel) != 1 || perModel["gemini-pro-latest"].TotalTokens != 15 || perModel["gemini-pro-latest"].CostUSD != 3 {
		t.Errorf("旧模型ID应合并: %+v", perModel)
	}

	entries, err := tracker.AuditLog(0)
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Model != "gemini-flash-latest" || entries[0].UsedModel != "gemini-pro-latest" {
		t.Errorf("审计条目ID未规范化: %+v", entries[0])
	}
}

func TestCheckSubmission(t *testing.T) {
	tracker, store := newTestTracker(t)

	err := tracker.CheckSubmission(Submission{Model: "gpt-4o"})
	if httpErr, ok := core.AsHTTPError(err); !ok || httpErr.Code != "E_EMPTY" {
		t.Errorf("空消息应返回 E_EMPTY: %v", err)
	}
	if err := tracker.CheckSubmission(Submission{Model: "gpt-4o", Files: 1}); err != nil {
		t.Errorf("仅附件应允许: %v", err)
	}

	if _, err := tracker.SetBudget(core.BudgetSettings{PerModelLimitUSD: map[string]float64{"gpt-4o": 1}}); err != nil {
		t.Fatal(err)
	}
	seed(t, store, core.StoreKeyUsageModelPrefix+"2026-10", map[string]core.UsageTotals{"gpt-4o": {CostUSD: 1}})

	err = tracker.CheckSubmission(Submission{Model: "GPT_4o", Text: "hi"})
	if httpErr, ok := core.AsHTTPError(err); !ok || httpErr.Code != "E_BUDGET" || httpErr.Status != 402 {
		t.Errorf("超出模型限额应返回 E_BUDGET: %v", err)
	}
	if err := tracker.CheckSubmission(Submission{Model: "deepseek-chat", Text: "hi"}); err != nil {
		t.Errorf("其他模型应允许: %v", err)
	}

	if _, err := tracker.SetBudget(core.BudgetSettings{MonthlyBudgetUSD: 2}); err != nil {
		t.Fatal(err)
	}
	seed(t, store, core.StoreKeyUsagePrefix+"2026-10", core.UsageTotals{CostUSD: 2})
	err = tracker.CheckSubmission(Submission{Model: "deepseek-chat", Text: "hi"})
	if httpErr, ok := core.AsHTTPError(err); !ok || httpErr.Code != "E_BUDGET" {
		t.Errorf("超出月度预算应返回 E_BUDGET: %v", err)
	}
}

func TestChatAnalytics(t *testing.T) {
	tracker, _ := newTestTracker(t)

	chats := []core.ChatSession{
		{ID: "cheap", Name: "Cheap", Messages: []core.ChatMessage{
			{Role: core.RoleAssistant, Metadata: &core.MessageMetadata{Model: "deepseek-chat", InputTokens: 100, OutputTokens: 100}},
		}},
		{ID: "pricey", Name: "Pricey", Messages: []core.ChatMessage{
			{Role: core.RoleUser, Content: "hi"},
			{Role: core.RoleAssistant, Metadata: &core.MessageMetadata{Model: "gpt-4o", InputTokens: 1000, OutputTokens: 500}},
			{Role: core.RoleAssistant, Metadata: &core.MessageMetadata{Model: "gemini-1.5-pro", InputTokens: 1000, OutputTokens: 1000, TotalTokens: 2500}},
			{Role: core.RoleAssistant, Metadata: &core.MessageMetadata{Model: "gpt-4o", InputTokens: 1000, OutputTokens: 500}},
			{Role: core.RoleAssistant, Metadata: &core.MessageMetadata{Model: "gpt-4o", Error: true}},
		}},
	}

	got := tracker.ChatAnalytics(chats)
	if len(got) != 2 || got[0].ChatID != "pricey" {
		t.Fatalf("应按费用降序: %+v", got)
	}
	pricey := got[0]
	if pricey.TotalTokens != 5500 || pricey.InputTokens != 3000 {
		t.Errorf("token汇总错误: %+v", pricey)
	}
	if len(pricey.PerModel) != 2 {
		t.Fatalf("模型数量错误: %+v", pricey.PerModel)
	}
	if pricey.PerModel[0].ModelID != "gpt-4o" || pricey.PerModel[0].MessagesCount != 2 {
		t.Errorf("按模型排序错误: %+v", pricey.PerModel)
	}
	if pricey.PerModel[1].ModelID != "gemini-pro-latest" || pricey.PerModel[1].Tokens != 2500 {
		t.Errorf("旧模型ID应规范化: %+v", pricey.PerModel[1])
	}
	if !approx(pricey.CostUSD, 0.029) {
		t.Errorf("聊天费用错误: %v", pricey.CostUSD)
	}
}

func TestSuggestOptimizations(t *testing.T) {
	tracker, _ := newTestTracker(t)
	hot := 0.95

	expensive := ChatAnalytics{PerModel: []ChatModelUsage{{ModelID: "gpt-4-turbo", CostUSD: 3}}}
	hints := tracker.SuggestOptimizations(expensive, core.ModelProfile{Temperature: &hot})
	if len(hints) != core.MaxOptimizationHints {
		t.Fatalf("提示数量错误: %v", hints)
	}
	if !strings.Contains(hints[0], "GPT-4o") {
		t.Errorf("应建议同提供商最便宜的模型: %s", hints[0])
	}

	tuned := tracker.SuggestOptimizations(ChatAnalytics{}, core.ModelProfile{Fallbacks: []string{"gpt-4o"}})
	if len(tuned) != 0 {
		t.Errorf("无需优化时不应有提示: %v", tuned)
	}
}
