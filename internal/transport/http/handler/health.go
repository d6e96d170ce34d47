package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gopherrag/internal/bootstrap"
	mysqlClient "gopherrag/internal/platform/mysql"
	rabbitmqClient "gopherrag/internal/platform/rabbitmq"
	redisClient "gopherrag/internal/platform/redis"
)

type HealthHandler struct {
	app *bootstrap.App
}

type dependencyStatus struct {
	OK      bool   `json:"ok"`
	Enabled bool   `json:"enabled"`
	Message string `json:"message,omitempty"`
}

func NewHealthHandler(app *bootstrap.App) *HealthHandler {
	return &HealthHandler{app: app}
}

func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	cfg := h.app.Config
	deps := gin.H{}
	allOK := true
	record := func(name string, status dependencyStatus) {
		deps[name] = status
		if status.Enabled && !status.OK {
			allOK = false
		}
	}

	record("vectorstore", probe(true, func() error { return h.app.Store.Ping(ctx) }))
	record("llm", probe(h.app.LLM != nil, func() error { return h.app.LLM.Ping(ctx) }))
	record("mysql", probe(cfg.MySQL.Enabled, func() error { return mysqlClient.Ping(ctx, h.app.MySQL) }))
	record("redis", probe(cfg.Redis.Enabled, func() error { return redisClient.Ping(ctx, h.app.Redis) }))
	record("rabbitmq", probe(cfg.RabbitMQ.Enabled, func() error { return rabbitmqClient.Ping(ctx, h.app.MQConn) }))

	statusCode := http.StatusOK
	if !allOK {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"app":          cfg.App.Name,
		"env":          cfg.App.Env,
		"uptime_sec":   int(time.Since(h.app.StartedAt).Seconds()),
		"dependencies": deps,
	})
}

func probe(enabled bool, check func() error) dependencyStatus {
	if !enabled {
		return dependencyStatus{OK: true, Message: "disabled"}
	}
	if err := check(); err != nil {
		return dependencyStatus{Enabled: true, Message: err.Error()}
	}
	return dependencyStatus{OK: true, Enabled: true}
}
