package router

import (
	"github.com/gin-gonic/gin"

	"tasklens.dev/processor/internal/http/handler"
	"tasklens.dev/processor/internal/service"
)

func SetupRoutes(router *gin.Engine, services *service.Services) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	discussionHandler := handler.NewDiscussionHandler(services.Processor())
	DiscussionRouter(router.Group("/discussions"), discussionHandler)
}
