package server

import (
	"github.com/gin-gonic/gin"
)

func (s *Server) setupRoutes() {
	gin.SetMode(s.ginMode)
	s.router = gin.New()

	s.router.Use(gin.Logger())
	s.router.Use(gin.Recovery())
	s.router.Use(s.corsMiddleware())
	s.router.Use(s.maxBodySizeMiddleware())
	s.router.Use(s.rateLimitMiddleware())

	// Public routes (no auth)
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/api/stats", s.getStatsData)

	// API routes (auth required when client keys are configured)
	api := s.router.Group("/api")
	api.Use(s.authenticateClient)
	{
		api.POST("/chat", s.chat)

		api.GET("/models", s.listModels)
		api.PUT("/models/custom", s.putCustomModels)
		api.GET("/modes", s.listModes)
		api.GET("/profiles", s.getProfiles)
		api.PUT("/profiles", s.putProfiles)

		api.GET("/usage", s.getUsage)
		api.POST("/usage", s.postUsage)
		api.POST("/usage/check", s.checkSubmission)
		api.GET("/audit", s.getAudit)
		api.GET("/budget", s.getBudget)
		api.PUT("/budget", s.putBudget)
		api.POST("/analytics", s.analytics)
	}
}
