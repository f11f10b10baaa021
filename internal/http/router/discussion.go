package router

import (
	"github.com/gin-gonic/gin"

	"tasklens.dev/processor/internal/http/handler"
)

func DiscussionRouter(router *gin.RouterGroup, handler *handler.DiscussionHandler) {
	router.POST("/process", handler.Process)
	router.GET("/:id", handler.Get)
}
