package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/vuhlp/vuhlp/internal/common/logger"
)

// SetupRoutes registers the REST API under /api plus the root health check.
func SetupRoutes(router *gin.Engine, handler *Handler, log *logger.Logger) {
	api := router.Group("/api")
	{
		api.POST("/runs", handler.CreateRun)
		api.GET("/runs", handler.ListRuns)
		api.GET("/runs/:id", handler.GetRun)
		api.PATCH("/runs/:id", handler.PatchRun)
		api.DELETE("/runs/:id", handler.DeleteRun)
		api.GET("/runs/:id/events", handler.GetEvents)

		api.POST("/runs/:id/nodes", handler.CreateNode)
		api.PATCH("/runs/:id/nodes/:nodeId", handler.PatchNode)
		api.DELETE("/runs/:id/nodes/:nodeId", handler.DeleteNode)
		api.POST("/runs/:id/nodes/:nodeId/reset", handler.ResetNode)

		api.POST("/runs/:id/edges", handler.CreateEdge)
		api.DELETE("/runs/:id/edges/:edgeId", handler.DeleteEdge)

		api.POST("/runs/:id/handoffs", handler.PostHandoff)
		api.POST("/runs/:id/chat", handler.PostChat)

		api.GET("/approvals", handler.ListApprovals)
		api.POST("/approvals/:id/resolve", handler.ResolveApproval)

		api.GET("/runs/:id/artifacts", handler.ListArtifacts)
		api.GET("/runs/:id/artifacts.zip", handler.ExportArtifacts)
		api.GET("/runs/:id/artifacts/:artifactId", handler.GetArtifact)

		api.GET("/runs/:id/prompts", handler.ListPrompts)
		api.POST("/prompts/:id/cancel", handler.CancelPrompt)
		api.PATCH("/prompts/:id", handler.PatchPrompt)

		api.GET("/health", handler.Health)
	}
	router.GET("/health", handler.Health)

	log.Info("REST API configured")
}
