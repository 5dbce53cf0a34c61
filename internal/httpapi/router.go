package httpapi

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes mounts the full HTTP surface (sandboxes, background agents,
// multiplayer sessions) onto router, grouped by resource under a shared
// prefix.
func SetupRoutes(router *gin.RouterGroup, deps *Dependencies) {
	h := NewHandler(deps)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	sandboxes := router.Group("/sandbox")
	{
		sandboxes.POST("", h.CreateSandbox)
		sandboxes.GET("", h.ListSandboxes)
		sandboxes.POST("/restore", h.RestoreSnapshot)
		sandboxes.POST("/pool/claim", h.ClaimFromPool)
		sandboxes.POST("/pool/typing", h.NotifyTyping)
		sandboxes.GET("/pool/stats", h.PoolStats)
		sandboxes.GET("/snapshots", h.ListSnapshots)
		sandboxes.DELETE("/snapshots/:id", h.DeleteSnapshot)

		one := sandboxes.Group("/:id")
		{
			one.GET("", h.GetSandbox)
			one.DELETE("", h.TerminateSandbox)
			one.POST("/start", h.StartSandbox)
			one.POST("/stop", h.StopSandbox)
			one.POST("/exec", h.Exec)
			one.GET("/logs", h.StreamLogs)
			one.GET("/git/status", h.GitStatus)
			one.POST("/git/sync", h.SyncGit)
			one.POST("/snapshot", h.CreateSnapshot)
		}
	}

	background := router.Group("/background")
	{
		background.POST("/spawn", h.SpawnBackgroundAgent)
		background.GET("/stats", h.SchedulerStats)

		one := background.Group("/:id")
		{
			one.GET("", h.GetBackgroundAgent)
			one.GET("/output", h.GetBackgroundAgentOutput)
			one.POST("/cancel", h.CancelBackgroundAgent)
			one.GET("/events", h.StreamBackgroundAgentEvents)
		}
	}

	sessions := router.Group("/sessions")
	{
		sessions.POST("", h.CreateSession)

		one := sessions.Group("/:id")
		{
			one.GET("", h.GetSession)
			one.DELETE("", h.DeleteSession)
			one.POST("/join", h.JoinSession)
			one.POST("/leave", h.LeaveSession)
			one.POST("/connect", h.ConnectClient)
			one.POST("/disconnect/:clientId", h.DisconnectClient)
			one.POST("/cursor", h.UpdateCursor)
			one.POST("/lock", h.AcquireLock)
			one.POST("/lock/release", h.ReleaseLock)
			one.POST("/prompts", h.AddPrompt)
			one.POST("/prompts/:promptId/cancel", h.CancelPrompt)
			one.POST("/prompts/:promptId/reorder", h.ReorderPrompt)
		}
	}
}
