// Package diag is a read-only HTTP status surface over a running node,
// mirroring the teacher's administration server: a gin engine with ginzap
// logging/recovery middleware, bound synchronously and served on a
// background goroutine behind a server.StartupMessage handshake.
package diag

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/overlaynet/overlaynode/errs"
	"github.com/overlaynet/overlaynode/node"
	"github.com/overlaynet/overlaynode/server"
)

// Server exposes /healthz and /status over HTTP for a running node.
type Server struct {
	httpServer *http.Server
	node       *node.Node
	log        *zap.SugaredLogger
}

// New builds a diagnostics server bound to n; routes read n's state but
// never mutate it.
func New(n *node.Node, log *zap.SugaredLogger, production bool) *Server {
	if production {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(ginzap.GinzapWithConfig(log.Desugar(), &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		Context: ginzap.Fn(func(c *gin.Context) []zapcore.Field {
			return []zapcore.Field{zap.String("server", "diag")}
		}),
	}))
	r.Use(ginzap.RecoveryWithZap(log.Desugar(), true))

	s := &Server{node: n, log: log}
	r.GET("/healthz", s.handleHealthz)
	r.GET("/status", s.handleStatus)
	s.httpServer = &http.Server{Handler: r}
	return s
}

// Start binds addr synchronously (surfacing bind errors immediately) and
// serves in a background goroutine, following the Transport Set's
// net.Listen-then-goroutine idiom.
func (s *Server) Start(ctx context.Context, addr string) (chan server.StartupMessage, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, errs.Wrap(fmt.Errorf("bind diag server %s: %w", addr, err))
	}
	ch := server.NewStartupMessageChannel()
	ch <- server.NewStartupMessage(true, nil)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("diag server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()
	return ch, ln, nil
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type statusResponse struct {
	SelfID            string   `json:"self_id"`
	MappedAddrs       []string `json:"mapped_addrs"`
	KnownDestinations int      `json:"known_destinations"`
}

func (s *Server) handleStatus(c *gin.Context) {
	mapped := s.node.LocalMappedAddrs()
	mappedStrings := make([]string, len(mapped))
	for i, m := range mapped {
		mappedStrings[i] = m.String()
	}
	c.JSON(http.StatusOK, statusResponse{
		SelfID:            s.node.SelfID().String(),
		MappedAddrs:       mappedStrings,
		KnownDestinations: len(s.node.RouteTable().KnownDestinations()),
	})
}
