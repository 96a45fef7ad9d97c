package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/metrics"
	"github.com/Plonkawojciech/open-kaap-pro/internal/orchestrator"
	"github.com/Plonkawojciech/open-kaap-pro/internal/util"

	"github.com/gin-gonic/gin"
)

// setStreamingHeaders sets streaming response HTTP headers
func setStreamingHeaders(c *gin.Context) {
	c.Header(core.HeaderContentType, core.ContentTypeEventStream)
	c.Header(core.HeaderCacheControl, core.CacheControlNoCache)
	c.Header(core.HeaderConnection, core.ConnectionKeepAlive)
	c.Header("X-Accel-Buffering", "no")
}

// writeSSEData writes SSE format data
func writeSSEData(w io.Writer, data []byte) (int, error) {
	return fmt.Fprintf(w, "%s%s\n\n", core.StreamChunkPrefix, string(data))
}

// writeSSEDone writes SSE end marker
func writeSSEDone(w io.Writer) (int, error) {
	return fmt.Fprintf(w, "%s%s\n\n", core.StreamChunkPrefix, core.StreamChunkDoneMessage)
}

// writeSSEEvent encodes payload as one data frame and flushes it.
func writeSSEEvent(c *gin.Context, payload any) error {
	data, err := util.MarshalJSON(payload)
	if err != nil {
		return err
	}
	if _, err := writeSSEData(c.Writer, data); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

// respondWithError returns the JSON error shape used by every endpoint
func respondWithError(c *gin.Context, status int, message, details, code string) {
	body := gin.H{"error": message, "details": details}
	if code != "" {
		body["code"] = code
	}
	c.JSON(status, body)
}

// respondWithFailure answers with a failed turn
func respondWithFailure(c *gin.Context, f *orchestrator.Failure) {
	respondWithError(c, f.Status, f.Message, f.Details, f.Code)
}

// respondWithStoreError answers with an error from the tracker or the store. Typed
// HTTP errors keep their status.
func respondWithStoreError(c *gin.Context, logger core.Logger, err error) {
	if httpErr, ok := core.AsHTTPError(err); ok {
		respondWithError(c, httpErr.Status, httpErr.Message, httpErr.Message, httpErr.Code)
		return
	}
	logger.Error("Store operation failed: %v", err)
	respondWithError(c, http.StatusInternalServerError, "storage error", err.Error(), "E_SERVER")
}

// trackPerformanceWithMetrics records performance metrics
func trackPerformanceWithMetrics(m *metrics.MetricsService, startTime time.Time) func() {
	return func() {
		m.RecordHTTPRequest(time.Since(startTime))
	}
}

// recordRequestResultWithMetrics records request result
func recordRequestResultWithMetrics(m *metrics.MetricsService, success bool, startTime time.Time, action, model, provider string) {
	if success {
		metrics.RecordSuccessWithMetrics(m, startTime, action, model, provider)
	} else {
		metrics.RecordFailureWithMetrics(m, startTime, action, model, provider)
	}
}

// withPanicRecoveryWithMetrics wraps handler with panic recovery. Once a stream has
// started only the failure is recorded.
func withPanicRecoveryWithMetrics(c *gin.Context, m *metrics.MetricsService, startTime time.Time, action string, logger core.Logger) func() {
	return func() {
		if r := recover(); r != nil {
			logger.Error("Panic in handler: %v", r)
			metrics.RecordFailureWithMetrics(m, startTime, action, "", "")
			if !c.Writer.Written() {
				respondWithError(c, http.StatusInternalServerError, "Internal Server Error", "internal server error", "E_SERVER")
			}
		}
	}
}
