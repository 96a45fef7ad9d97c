package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Plonkawojciech/open-kaap-pro/internal/config"
	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/modelid"
	"github.com/Plonkawojciech/open-kaap-pro/internal/prompt"
	"github.com/Plonkawojciech/open-kaap-pro/internal/storage"
	"github.com/Plonkawojciech/open-kaap-pro/internal/usage"

	"github.com/gin-gonic/gin"
)

func (s *Server) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"defaultModel": core.DefaultModel,
		"models":       s.registry.List(),
		"custom":       s.registry.UserModels(),
	})
}

type customModelsRequest struct {
	Models []core.ModelDescriptor `json:"models"`
}

func (s *Server) putCustomModels(c *gin.Context) {
	var body customModelsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondWithError(c, http.StatusBadRequest, "invalid request body", err.Error(), "E_BAD_REQUEST")
		return
	}

	models := config.SanitizeModels(body.Models)
	if err := storage.SaveJSON(s.store, core.StoreKeyUserModels, models); err != nil {
		respondWithStoreError(c, s.config.Logger, err)
		return
	}
	s.registry.SetUserModels(models)
	s.config.Logger.Info("Stored %d custom models", len(models))

	c.JSON(http.StatusOK, gin.H{"custom": s.registry.UserModels()})
}

func (s *Server) listModes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"modes": prompt.Modes()})
}

// loadProfiles reads the stored model profiles. Keys and fallbacks are normalized.
func (s *Server) loadProfiles() (map[string]core.ModelProfile, error) {
	var raw map[string]core.ModelProfile
	if _, err := storage.LoadJSON(s.store, core.StoreKeyModelProfiles, &raw); err != nil {
		return map[string]core.ModelProfile{}, err
	}
	return normalizeProfiles(raw), nil
}

func normalizeProfiles(raw map[string]core.ModelProfile) map[string]core.ModelProfile {
	profiles := make(map[string]core.ModelProfile, len(raw))
	for id, p := range raw {
		id = modelid.NormalizeStored(modelid.Normalize(id))
		if id == "" {
			continue
		}
		fallbacks := modelid.NormalizeList(p.Fallbacks)
		for i, f := range fallbacks {
			fallbacks[i] = modelid.NormalizeStored(f)
		}
		p.Fallbacks = fallbacks
		profiles[id] = p
	}
	return profiles
}

func (s *Server) getProfiles(c *gin.Context) {
	profiles, err := s.loadProfiles()
	if err != nil {
		respondWithStoreError(c, s.config.Logger, err)
		return
	}
	c.JSON(http.StatusOK, profiles)
}

func (s *Server) putProfiles(c *gin.Context) {
	var raw map[string]core.ModelProfile
	if err := c.ShouldBindJSON(&raw); err != nil {
		respondWithError(c, http.StatusBadRequest, "invalid request body", err.Error(), "E_BAD_REQUEST")
		return
	}
	profiles := normalizeProfiles(raw)
	if err := storage.SaveJSON(s.store, core.StoreKeyModelProfiles, profiles); err != nil {
		respondWithStoreError(c, s.config.Logger, err)
		return
	}
	c.JSON(http.StatusOK, profiles)
}

func (s *Server) getUsage(c *gin.Context) {
	month := c.Query("month")
	if month != "" {
		if _, err := time.Parse(core.TimeFormatMonthKey, month); err != nil {
			respondWithError(c, http.StatusBadRequest, "invalid month, expected YYYY-MM", month, "E_BAD_REQUEST")
			return
		}
	} else {
		month = s.tracker.CurrentMonth()
	}

	totals, perModel, err := s.tracker.Monthly(month)
	if err != nil {
		respondWithStoreError(c, s.config.Logger, err)
		return
	}
	budget, err := s.tracker.Budget()
	if err != nil {
		respondWithStoreError(c, s.config.Logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"month":    month,
		"totals":   totals,
		"costPLN":  totals.CostUSD * core.USDToPLN,
		"perModel": perModel,
		"budget":   budget,
	})
}

// usageReport is a turn completion reported by the client
type usageReport struct {
	Action              string   `json:"action"`
	Model               string   `json:"model"`
	UsedModel           string   `json:"usedModel"`
	Provider            string   `json:"provider"`
	Mode                string   `json:"mode"`
	Temperature         *float64 `json:"temperature"`
	TopP                *float64 `json:"topP"`
	FileNames           []string `json:"fileNames"`
	HasFiles            bool     `json:"hasFiles"`
	MemoryIncluded      bool     `json:"memoryIncluded"`
	PinnedFactsIncluded bool     `json:"pinnedFactsIncluded"`
	InputTokens         int      `json:"inputTokens"`
	OutputTokens        int      `json:"outputTokens"`
	TotalTokens         int      `json:"totalTokens"`
	Error               string   `json:"error"`
	ErrorCode           string   `json:"errorCode"`
}

func (s *Server) postUsage(c *gin.Context) {
	var report usageReport
	if err := c.ShouldBindJSON(&report); err != nil {
		respondWithError(c, http.StatusBadRequest, "invalid request body", err.Error(), "E_BAD_REQUEST")
		return
	}
	model := modelid.Normalize(report.Model)
	if model == "" {
		respondWithError(c, http.StatusBadRequest, "model is required", "", "E_BAD_REQUEST")
		return
	}
	action := report.Action
	if action == "" {
		action = core.ActionChat
	}

	rec := usage.TurnRecord{
		Action:              action,
		Model:               model,
		UsedModel:           modelid.Normalize(report.UsedModel),
		Provider:            report.Provider,
		Mode:                report.Mode,
		Temperature:         report.Temperature,
		TopP:                report.TopP,
		FileNames:           report.FileNames,
		HasFiles:            report.HasFiles,
		MemoryIncluded:      report.MemoryIncluded,
		PinnedFactsIncluded: report.PinnedFactsIncluded,
		Usage: core.Usage{
			InputTokens:  report.InputTokens,
			OutputTokens: report.OutputTokens,
			TotalTokens:  report.TotalTokens,
		},
	}

	if report.Error != "" {
		entry, err := s.tracker.RecordFailure(rec, &core.HTTPError{Message: report.Error, Code: report.ErrorCode})
		if err != nil {
			respondWithStoreError(c, s.config.Logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entry": entry})
		return
	}

	out, err := s.tracker.RecordTurn(rec)
	if err != nil {
		respondWithStoreError(c, s.config.Logger, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type submissionRequest struct {
	Model string `json:"model"`
	Text  string `json:"text"`
	Files int    `json:"files"`
}

func (s *Server) checkSubmission(c *gin.Context) {
	var body submissionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondWithError(c, http.StatusBadRequest, "invalid request body", err.Error(), "E_BAD_REQUEST")
		return
	}
	if body.Model == "" {
		body.Model = core.DefaultModel
	}
	if err := s.tracker.CheckSubmission(usage.Submission{Model: body.Model, Text: body.Text, Files: body.Files}); err != nil {
		respondWithStoreError(c, s.config.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) getAudit(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondWithError(c, http.StatusBadRequest, "invalid limit", raw, "E_BAD_REQUEST")
			return
		}
		limit = parsed
	}

	entries, err := s.tracker.AuditLog(limit)
	if err != nil {
		respondWithStoreError(c, s.config.Logger, err)
		return
	}
	if entries == nil {
		entries = []core.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) getBudget(c *gin.Context) {
	budget, err := s.tracker.Budget()
	if err != nil {
		respondWithStoreError(c, s.config.Logger, err)
		return
	}
	c.JSON(http.StatusOK, budget)
}

func (s *Server) putBudget(c *gin.Context) {
	var body core.BudgetSettings
	if err := c.ShouldBindJSON(&body); err != nil {
		respondWithError(c, http.StatusBadRequest, "invalid request body", err.Error(), "E_BAD_REQUEST")
		return
	}
	budget, err := s.tracker.SetBudget(body)
	if err != nil {
		respondWithStoreError(c, s.config.Logger, err)
		return
	}
	c.JSON(http.StatusOK, budget)
}

type analyticsRequest struct {
	Chats []core.ChatSession `json:"chats"`
	Model string             `json:"model"`
}

type chatReport struct {
	usage.ChatAnalytics
	Hints []string `json:"hints"`
}

// analytics aggregates the posted chats, or the stored chat sessions when none are
// posted. Hints use the profile of the given model.
func (s *Server) analytics(c *gin.Context) {
	var body analyticsRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(c, http.StatusBadRequest, "invalid request body", err.Error(), "E_BAD_REQUEST")
		return
	}

	chats := body.Chats
	if chats == nil {
		if _, err := storage.LoadJSON(s.store, core.StoreKeyChatSessions, &chats); err != nil {
			respondWithStoreError(c, s.config.Logger, err)
			return
		}
	}

	model := modelid.Normalize(body.Model)
	if model == "" {
		model = core.DefaultModel
	}
	profiles, err := s.loadProfiles()
	if err != nil {
		s.config.Logger.Warn("Failed to load model profiles: %v", err)
	}
	profile := profiles[model]

	analytics := s.tracker.ChatAnalytics(chats)
	reports := make([]chatReport, 0, len(analytics))
	for _, a := range analytics {
		hints := s.tracker.SuggestOptimizations(a, profile)
		if hints == nil {
			hints = []string{}
		}
		reports = append(reports, chatReport{ChatAnalytics: a, Hints: hints})
	}
	c.JSON(http.StatusOK, gin.H{"chats": reports})
}
