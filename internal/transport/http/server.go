package http

import (
	"github.com/gin-gonic/gin"

	"gopherrag/internal/bootstrap"
	"gopherrag/internal/transport/http/handler"
	"gopherrag/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.MaxMultipartMemory = int64(app.Config.App.MaxUploadMB) << 20

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)

	var jobs handler.JobEnqueuer
	if app.Jobs != nil {
		jobs = app.Jobs
	}
	documentHandler := handler.NewDocumentHandler(app.Ingestion, jobs, app.Config.App.MaxUploadMB, app.Config.Ingest.SkipDuplicates)
	chatHandler := handler.NewChatHandler(app.Retrieval, app.Generation)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuthJWT(app.Config.Auth.JWTSecret))

	documents := v1.Group("/documents")
	documents.POST("", documentHandler.Upload)
	documents.GET("", documentHandler.List)
	documents.DELETE("/:fingerprint", documentHandler.Delete)
	documents.POST("/jobs", documentHandler.Enqueue)

	v1.POST("/retrieve", chatHandler.Retrieve)
	v1.POST("/chat", chatHandler.Answer)
	v1.POST("/chat/stream", chatHandler.Stream)

	return router
}
