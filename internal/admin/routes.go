package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/edgeinstall/internal/coordinator"
	"github.com/danmuck/edgeinstall/internal/envelope"
	"github.com/danmuck/edgeinstall/internal/installer"
	"github.com/danmuck/edgeinstall/internal/sponsor"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"node":    s.deps.Node.NodeID(),
			"version": version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ready", func(c *gin.Context) {
		ready := s.deps.Node.Ready()
		degraded := s.deps.Installer.Degraded()
		status := http.StatusOK
		if !ready || degraded {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":    ready,
			"degraded": degraded,
			"uptime":   time.Since(s.started).String(),
			"node":     s.deps.Node.NodeID(),
		})
	})

	r.GET("/units", func(c *gin.Context) {
		units, err := s.deps.Node.Units(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		records, err := s.deps.Node.Records(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, UnitsResponse{Units: units, Records: records})
	})

	r.GET("/functions", func(c *gin.Context) {
		c.JSON(http.StatusOK, FunctionsResponse{
			Functions: s.deps.Installer.ListInstalledFunctions(),
			Status:    s.deps.Installer.Status(),
		})
	})

	r.POST("/functions/install", func(c *gin.Context) {
		var req FunctionRequest
		if !bind(c, &req) {
			return
		}
		p := s.deps.Installer.InstallFunction(req.Sponsor, s.indexes(req.Indexes), req.Requirements)
		s.respondPending(c, p)
	})

	r.POST("/functions/update", func(c *gin.Context) {
		var req FunctionRequest
		if !bind(c, &req) {
			return
		}
		p := s.deps.Installer.UpdateFunction(req.OldSponsor, req.Sponsor, s.indexes(req.Indexes), req.Requirements)
		s.respondPending(c, p)
	})

	r.DELETE("/functions/:name", func(c *gin.Context) {
		sp := sponsor.Sponsor{Name: c.Param("name"), Version: c.Query("version")}
		s.respondPending(c, s.deps.Installer.UninstallFunction(sp))
	})

	r.POST("/reset", func(c *gin.Context) {
		s.respondPending(c, s.deps.Installer.ResetNode())
	})

	r.GET("/behaviours", func(c *gin.Context) {
		found, err := s.deps.Coordinator.FindBehaviours(c.Request.Context(), c.Query("filter"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, BehavioursResponse{Behaviours: found})
	})

	r.POST("/behaviours/install", func(c *gin.Context) {
		var req BehaviourRequest
		if !bindBehaviour(c, &req) {
			return
		}
		cid, err := s.deps.Coordinator.InstallBehaviour(c.Request.Context(), req.behaviour(), req.Node)
		respondCommand(c, req.Node, cid, err)
	})

	r.POST("/behaviours/uninstall", func(c *gin.Context) {
		var req BehaviourRequest
		if !bindBehaviour(c, &req) {
			return
		}
		cid, err := s.deps.Coordinator.UninstallBehaviour(c.Request.Context(), req.behaviour(), req.Node)
		respondCommand(c, req.Node, cid, err)
	})

	r.POST("/nodes/:node/reset", func(c *gin.Context) {
		target := c.Param("node")
		cid, err := s.deps.Coordinator.ResetNode(c.Request.Context(), target)
		respondCommand(c, target, cid, err)
	})

	r.GET("/blacklist", func(c *gin.Context) {
		c.JSON(http.StatusOK, BlacklistResponse{
			Blacklist: s.deps.Coordinator.Blacklist(),
			Rounds:    s.deps.Coordinator.Rounds(),
		})
	})

	r.POST("/blacklist/clear", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"cleared": s.deps.Coordinator.ClearBlacklist()})
	})

	r.POST("/events/:type", func(c *gin.Context) {
		props := map[string]any{}
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&props); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		if err := s.deps.Node.Publish(c.Request.Context(), c.Param("type"), props); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "published"})
	})
}

func (s *Server) indexes(req []string) []string {
	if len(req) > 0 {
		return req
	}
	return s.deps.Node.Indexes()
}

// respondPending waits for the installer's answer and maps its code onto an
// HTTP status.
func (s *Server) respondPending(c *gin.Context, p *installer.Pending) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.WaitTimeout)
	defer cancel()
	resp, err := p.Wait(ctx)
	if err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}
	c.JSON(statusFor(resp.Code, s.deps.Installer.Degraded()), resp)
}

func statusFor(code envelope.ResponseCode, degraded bool) int {
	switch code {
	case envelope.CodeSuccess:
		return http.StatusOK
	case envelope.CodeBadRequest:
		return http.StatusBadRequest
	}
	if degraded {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func bind(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func bindBehaviour(c *gin.Context, req *BehaviourRequest) bool {
	if !bind(c, req) {
		return false
	}
	if strings.TrimSpace(req.SymbolicName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing symbolic_name"})
		return false
	}
	return true
}

func respondCommand(c *gin.Context, target, cid string, err error) {
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, coordinator.ErrMissingTarget) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, CommandResponse{Node: target, CorrelationID: cid})
}
