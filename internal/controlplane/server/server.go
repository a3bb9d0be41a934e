package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/betbot/botfleet/internal/commands"
	"github.com/betbot/botfleet/pkg/logger"
)

// Commands is the subset of the command surface exposed over HTTP.
type Commands interface {
	List(ctx context.Context) commands.Result
	Get(ctx context.Context, botID string) commands.Result
	Stop(ctx context.Context, botID string) commands.Result
	Restart(ctx context.Context, botID string) commands.Result
	Remove(ctx context.Context, botID string) commands.Result
	Status(ctx context.Context) commands.Result
}

// LogSource resolves a bot's log file.
type LogSource interface {
	LogFile(botID string) (string, error)
}

type Config struct {
	// Token is required in "Authorization: Bearer <token>" on every /api route.
	Token string
	// PollInterval is how often streamed logs are checked for new data.
	PollInterval time.Duration
}

type Server struct {
	cfg      Config
	cmds     Commands
	logs     LogSource
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

func New(cfg Config, cmds Commands, logs LogSource) (*Server, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("control token is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Server{
		cfg:  cfg,
		cmds: cmds,
		logs: logs,
		log:  logger.Component("controlplane"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 32 * 1024,
			// token auth already guards the route
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api", s.auth)
	api.GET("/status", s.handleStatus)

	bots := api.Group("/bots")
	bots.GET("", s.handleBotsList)
	botID := bots.Group("/:botID")
	botID.GET("", s.handleBotGet)
	botID.DELETE("", s.handleBotRemove)
	botID.POST("/stop", s.handleBotStop)
	botID.POST("/restart", s.handleBotRestart)
	botID.GET("/logs", s.handleBotLogsTail)
	botID.GET("/logs/ws", s.handleBotLogsStream)

	return r
}

// auth accepts the bearer header, or a token query parameter for websocket
// clients that cannot set headers.
func (s *Server) auth(c *gin.Context) {
	got := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	if got == "" {
		got = c.Query("token")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "message": "unauthorized"})
		return
	}
	c.Next()
}

// StartAsync serves the router on listen until ctx is done.
func (s *Server) StartAsync(ctx context.Context, listen string) (*http.Server, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("control plane stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Infof("control plane listening on %s", srv.Addr)
	return srv, nil
}
