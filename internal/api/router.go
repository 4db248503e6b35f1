package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes mounts the control API on the given router group.
func SetupRoutes(router *gin.RouterGroup, handler *Handler) {
	router.POST("/messages", handler.SendMessage)
	router.GET("/messages/:messageId", handler.GetMessage)

	router.POST("/modules", handler.RegisterModule)
	router.GET("/modules", handler.ListModules)

	workflows := router.Group("/workflows")
	{
		workflows.POST("", handler.CreateWorkflow)
		workflows.GET("/:workflowId", handler.GetWorkflow)
		workflows.POST("/:workflowId/pause", handler.PauseWorkflow)
		workflows.POST("/:workflowId/resume", handler.ResumeWorkflow)
		workflows.POST("/:workflowId/cancel", handler.CancelWorkflow)
		workflows.POST("/:workflowId/input", handler.WorkflowInput)
	}

	agents := router.Group("/agents")
	{
		agents.GET("", handler.ListAgents)
		agents.POST("/dispatch", handler.DispatchAgent)
		agents.POST("/control", handler.ControlAgent)
		agents.GET("/:agentId", handler.GetAgent)
		agents.POST("/:agentId/heartbeat", handler.Heartbeat)
	}

	router.GET("/scheduler/status", handler.SchedulerStatus)
}
