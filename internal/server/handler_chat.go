package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/orchestrator"
	"github.com/Plonkawojciech/open-kaap-pro/internal/prompt"
	"github.com/Plonkawojciech/open-kaap-pro/internal/usage"
	"github.com/Plonkawojciech/open-kaap-pro/internal/validate"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func (s *Server) chat(c *gin.Context) {
	startTime := time.Now()

	defer withPanicRecoveryWithMetrics(c, s.metricsService, startTime, core.ActionChat, s.config.Logger)()
	defer trackPerformanceWithMetrics(s.metricsService, startTime)()

	var req orchestrator.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.metricsService.RecordHTTPError()
		recordRequestResultWithMetrics(s.metricsService, false, startTime, "", "", "")
		respondWithError(c, http.StatusBadRequest, "invalid request body", err.Error(), "E_BAD_REQUEST")
		return
	}

	if err := validate.Attachments(req.Messages); err != nil {
		recordRequestResultWithMetrics(s.metricsService, false, startTime, req.Action, req.PrimaryModel(), "")
		respondWithFailure(c, orchestrator.AsFailure(err))
		return
	}

	s.applyProfile(&req)

	switch req.Action {
	case "", core.ActionChat:
		s.handleChat(c, &req, startTime)
	case core.ActionTest:
		s.handleTest(c, &req, startTime)
	case core.ActionMulti:
		s.handleMulti(c, &req, startTime)
	default:
		recordRequestResultWithMetrics(s.metricsService, false, startTime, req.Action, "", "")
		respondWithError(c, http.StatusBadRequest, "unknown action", req.Action, "E_BAD_REQUEST")
	}
}

// applyProfile fills fallbacks and sampling values the request leaves unset from the
// stored profile of the primary model.
func (s *Server) applyProfile(req *orchestrator.TurnRequest) {
	profiles, err := s.loadProfiles()
	if err != nil {
		s.config.Logger.Warn("Failed to load model profiles: %v", err)
	}
	profile := profiles[req.PrimaryModel()]

	if len(req.FallbackModels) == 0 && len(profile.Fallbacks) > 0 {
		req.FallbackModels = profile.Fallbacks
	}
	if req.Temperature == nil {
		req.Temperature = prompt.EffectiveTemperature(profile.Temperature, req.Mode, nil)
	}
	if req.TopP == nil {
		req.TopP = profile.TopP
	}
}

// turnRecord describes req for the audit log.
func turnRecord(req *orchestrator.TurnRequest, action string) usage.TurnRecord {
	rec := usage.TurnRecord{
		Action:              action,
		Model:               req.PrimaryModel(),
		Mode:                req.Mode,
		Temperature:         req.Temperature,
		TopP:                req.TopP,
		MemoryIncluded:      req.Memory != "",
		PinnedFactsIncluded: req.PinnedFacts != "",
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		msg := req.Messages[i]
		if msg.Role != core.RoleUser {
			continue
		}
		for _, f := range msg.Files() {
			rec.FileNames = append(rec.FileNames, f.Filename)
		}
		rec.HasFiles = len(rec.FileNames) > 0
		break
	}
	return rec
}

func (s *Server) recordFailure(rec usage.TurnRecord, cause error) {
	if !s.config.UsageTracking {
		return
	}
	if _, err := s.tracker.RecordFailure(rec, cause); err != nil {
		s.config.Logger.Warn("Failed to record failed turn: %v", err)
	}
}

func (s *Server) recordTurn(rec usage.TurnRecord) *usage.Outcome {
	if !s.config.UsageTracking {
		return nil
	}
	out, err := s.tracker.RecordTurn(rec)
	if err != nil {
		s.config.Logger.Warn("Failed to record turn usage: %v", err)
		return nil
	}
	return out
}

func (s *Server) handleTest(c *gin.Context, req *orchestrator.TurnRequest, startTime time.Time) {
	model := req.PrimaryModel()
	providerName := s.resolver.ProviderFor(model)

	result, err := s.orchestrator.Test(c.Request.Context(), req)
	if err != nil {
		recordRequestResultWithMetrics(s.metricsService, false, startTime, core.ActionTest, model, providerName)
		respondWithFailure(c, orchestrator.AsFailure(err))
		return
	}

	recordRequestResultWithMetrics(s.metricsService, true, startTime, core.ActionTest, model, providerName)
	c.JSON(http.StatusOK, result)
}

type multiResponse struct {
	*orchestrator.MultiResult
	Notices []usage.Notice `json:"notices,omitempty"`
}

func (s *Server) handleMulti(c *gin.Context, req *orchestrator.TurnRequest, startTime time.Time) {
	result, err := s.orchestrator.Multi(c.Request.Context(), req)
	if err != nil {
		f := orchestrator.AsFailure(err)
		recordRequestResultWithMetrics(s.metricsService, false, startTime, core.ActionMulti, req.PrimaryModel(), "")
		respondWithFailure(c, f)
		return
	}

	base := turnRecord(req, core.ActionMulti)
	resp := multiResponse{MultiResult: result}
	for _, r := range result.Results {
		rec := base
		rec.Model = r.Model
		rec.Provider = r.Provider
		if r.Error != "" {
			s.recordFailure(rec, errors.New(r.Error))
			continue
		}
		if r.Usage != nil {
			rec.Usage = *r.Usage
			if out := s.recordTurn(rec); out != nil {
				resp.Notices = append(resp.Notices, out.Notices...)
			}
		}
	}
	if result.MergeUsage != nil {
		rec := base
		rec.Model = result.MergeModel
		rec.Usage = *result.MergeUsage
		if out := s.recordTurn(rec); out != nil {
			resp.Notices = append(resp.Notices, out.Notices...)
		}
	}

	recordRequestResultWithMetrics(s.metricsService, true, startTime, core.ActionMulti, result.MergeModel, s.resolver.ProviderFor(result.MergeModel))
	c.JSON(http.StatusOK, resp)
}

// handleChat streams the first candidate that accepts the turn. Failures before the
// first frame answer with JSON; later ones end the stream with an error frame.
func (s *Server) handleChat(c *gin.Context, req *orchestrator.TurnRequest, startTime time.Time) {
	rec := turnRecord(req, core.ActionChat)

	turn, err := s.orchestrator.Chat(c.Request.Context(), req)
	if err != nil {
		f := orchestrator.AsFailure(err)
		s.recordFailure(rec, f)
		recordRequestResultWithMetrics(s.metricsService, false, startTime, core.ActionChat, rec.Model, "")
		respondWithFailure(c, f)
		return
	}
	defer func() { _ = turn.Close() }()

	rec.UsedModel = turn.Model
	rec.Provider = turn.Provider
	logger := s.config.Logger

	setStreamingHeaders(c)
	c.Status(http.StatusOK)

	textID := uuid.NewString()
	if err := writeSSEEvent(c, gin.H{
		"type":            core.EventStart,
		"messageId":       uuid.NewString(),
		"messageMetadata": gin.H{"model": turn.Model, "provider": turn.Provider},
	}); err != nil {
		logger.Debug("Client went away before the stream started: %v", err)
		recordRequestResultWithMetrics(s.metricsService, false, startTime, core.ActionChat, turn.Model, turn.Provider)
		return
	}

	var u core.Usage
	for {
		ev, err := turn.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			f := orchestrator.AsFailure(err)
			logger.Warn("Stream from %s (%s) broke: %v", turn.Model, turn.Provider, err)
			_ = writeSSEEvent(c, gin.H{"type": core.EventError, "errorText": err.Error(), "code": f.Code})
			_, _ = writeSSEDone(c.Writer)
			c.Writer.Flush()
			s.recordFailure(rec, err)
			recordRequestResultWithMetrics(s.metricsService, false, startTime, core.ActionChat, turn.Model, turn.Provider)
			return
		}
		if ev.Usage != nil {
			u = *ev.Usage
		}
		if ev.Text == "" {
			continue
		}
		if err := writeSSEEvent(c, gin.H{"type": core.EventTextDelta, "id": textID, "delta": ev.Text}); err != nil {
			logger.Debug("Client disconnected during stream from %s: %v", turn.Model, err)
			recordRequestResultWithMetrics(s.metricsService, false, startTime, core.ActionChat, turn.Model, turn.Provider)
			return
		}
	}

	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	rec.Usage = u
	outcome := s.recordTurn(rec)

	metadata := gin.H{
		"model":        turn.Model,
		"provider":     turn.Provider,
		"inputTokens":  u.InputTokens,
		"outputTokens": u.OutputTokens,
		"totalTokens":  u.TotalTokens,
	}
	if outcome != nil {
		metadata["costUSD"] = outcome.CostUSD
	}
	_ = writeSSEEvent(c, gin.H{"type": core.EventFinish, "messageMetadata": metadata})

	if outcome != nil && len(outcome.Notices) > 0 {
		_ = writeSSEEvent(c, gin.H{"type": core.EventBudget, "notices": outcome.Notices})
	}

	_, _ = writeSSEDone(c.Writer)
	c.Writer.Flush()

	logger.Debug("Chat turn served by %s: %d tokens", turn.Model, u.TotalTokens)
	recordRequestResultWithMetrics(s.metricsService, true, startTime, core.ActionChat, turn.Model, turn.Provider)
}
