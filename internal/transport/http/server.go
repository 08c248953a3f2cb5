package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/config"
	"github.com/vovakirdan/wiregame-server/internal/core"
)

// NewServer builds the directory HTTP server: operator REST under /api and
// member connections on /ws.
func NewServer(hub *core.Hub, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", healthHandler)
	router.GET("/ws", gin.WrapH(NewWSHandler(hub, cfg.WSRateLimit, logger)))

	lobbies := NewLobbyHandlers(hub, logger)
	api := router.Group("/api")
	{
		api.GET("/lobbies", lobbies.ListLobbies)
		api.POST("/lobbies", lobbies.CreateLobby)
		api.GET("/lobbies/:id", lobbies.GetLobby)
		api.POST("/lobbies/:id/launch", lobbies.LaunchLobby)

		api.GET("/sessions", lobbies.ListSessions)
		api.POST("/sessions/:id/abort", lobbies.AbortSession)
		api.GET("/sessions/:id/report", lobbies.GetReport)
		api.GET("/reports", lobbies.ListReports)
	}

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
