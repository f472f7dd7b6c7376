// Package httpapi implements the HTTP Surface (SPEC_FULL.md §4.I): REST and
// SSE routing, client identity resolution, and deployment asset serving.
// Grounded on internal/api/api.go's Server.Start (gin.New + gin.Recovery +
// hand-rolled CORS middleware, embedded-FS asset serving generalised here to
// an on-disk deployments_root).
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"okcvm/internal/config"
	"okcvm/internal/convstore"
	"okcvm/internal/okcerr"
	"okcvm/internal/session"
	"okcvm/internal/sessionstore"
	"okcvm/internal/toolregistry"
	"okcvm/pkg/llm"

	"github.com/gin-gonic/gin"
)

// Server owns the gin router and every collaborator a request handler
// needs: the session store (which lazily Boots per-client session.State),
// the shared tool registry, and the configured driver used to boot new
// sessions.
type Server struct {
	cfg           *config.Config
	store         sessionstore.Store
	registry      *toolregistry.Registry
	driver        llm.Driver
	conversations *convstore.ConversationRepo
	httpServer    *http.Server
}

// New constructs a Server. store may be a *sessionstore.MemoryStore or
// *sessionstore.NATSStore per config.SessionStoreBackend.
func New(cfg *config.Config, store sessionstore.Store, registry *toolregistry.Registry, driver llm.Driver) *Server {
	return &Server{cfg: cfg, store: store, registry: registry, driver: driver}
}

// WithConversationStore attaches the Conversation Persistence repository,
// enabling the /api/conversations endpoints. Without it they report the
// store as unconfigured rather than panicking.
func (s *Server) WithConversationStore(repo *convstore.ConversationRepo) *Server {
	s.conversations = repo
	return s
}

// boot is the sessionstore.BootFunc used for every client this server sees.
func (s *Server) boot(ctx context.Context, clientID string) (*session.State, error) {
	return session.Boot(ctx, clientID, session.Deps{
		WorkspaceBasePath: s.cfg.WorkspacesRoot,
		WorkspaceMountPfx: s.cfg.PublicMountPrefix,
		DeploymentsRoot:   s.cfg.DeploymentsRoot,
		GitInitTimeout:    s.cfg.GitTimeout,
		Registry:          s.registry,
		Driver:            s.driver,
		ToolTimeout:       s.cfg.ToolTimeout,
	})
}

func (s *Server) sessionFor(c *gin.Context) (*session.State, error) {
	clientID := resolveClientID(c)
	return s.store.GetOrCreate(c.Request.Context(), clientID, s.boot)
}

// router builds the gin.Engine: Recovery, CORS, health check, and every
// route group.
func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	r.GET("/health", s.healthCheck)

	api := r.Group("/api")
	{
		api.GET("/config", s.getConfig)
		api.POST("/config", s.patchConfig)

		api.GET("/session/info", s.sessionInfo)
		api.GET("/session/boot", s.sessionBoot)
		api.POST("/chat", s.chat)
		api.GET("/session/history/:id", s.historyEntry)
		api.DELETE("/session/history", s.deleteHistory)
		api.GET("/session/files", s.listFiles)
		api.POST("/session/files", s.uploadFiles)
		api.GET("/session/workspace/snapshots", s.listSnapshots)
		api.POST("/session/workspace/snapshots", s.createSnapshot)
		api.POST("/session/workspace/restore", s.restoreSnapshot)

		api.GET("/conversations", s.listConversations)
		api.POST("/conversations", s.saveConversation)
		api.PUT("/conversations/:id", s.updateConversation)
		api.DELETE("/conversations/:id", s.deleteConversation)
	}

	s.registerDeploymentRoutes(r)

	return r
}

// corsMiddleware mirrors internal/api/api.go's inline CORS handler: open
// access control for API routes, OPTIONS short-circuited with 204.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.Request.URL.Path, "/ui") {
			c.Header("Access-Control-Allow-Origin", "*")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, x-okc-client-id")
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
		}
		c.Next()
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "okcvm"})
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.router(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// writeError maps an okcerr-taxonomy error (or any other error) onto the
// matching HTTP status, per SPEC_FULL.md §7's centralised mapping.
func writeError(c *gin.Context, err error) {
	status := okcerr.StatusOf(err)
	c.JSON(status, gin.H{"error": err.Error()})
}
