package server

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/betbot/botfleet/internal/commands"
)

func (s *Server) reply(c *gin.Context, res commands.Result) {
	c.JSON(statusFor(res), fromResult(res))
}

func (s *Server) handleBotsList(c *gin.Context) {
	res := s.cmds.List(c.Request.Context())
	out := fromResult(res)
	out.Running, out.Total = &res.Running, &res.Total
	if out.Bots == nil {
		out.Bots = []Bot{}
	}
	c.JSON(statusFor(res), out)
}

func (s *Server) handleBotGet(c *gin.Context) {
	s.reply(c, s.cmds.Get(c.Request.Context(), c.Param("botID")))
}

func (s *Server) handleBotStop(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	s.reply(c, s.cmds.Stop(ctx, c.Param("botID")))
}

func (s *Server) handleBotRestart(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()
	s.reply(c, s.cmds.Restart(ctx, c.Param("botID")))
}

func (s *Server) handleBotRemove(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	s.reply(c, s.cmds.Remove(ctx, c.Param("botID")))
}

func (s *Server) handleStatus(c *gin.Context) {
	res := s.cmds.Status(c.Request.Context())
	out := fromResult(res)
	out.Running, out.Total = &res.Running, &res.Total
	c.JSON(statusFor(res), out)
}
