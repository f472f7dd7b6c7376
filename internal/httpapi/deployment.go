package httpapi

import (
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"okcvm/internal/okcerr"

	"github.com/gin-gonic/gin"
)

// registerDeploymentRoutes wires GET /{deployment_id}/{path?}, the
// deployment asset resolver: open -> read -> content-type sniff -> write,
// serving from an on-disk deployments_root keyed by client + deployment id
// so arbitrarily many deployments can be served by id.
func (s *Server) registerDeploymentRoutes(r *gin.Engine) {
	r.GET("/:deployment_id", s.serveDeploymentAsset)
	r.GET("/:deployment_id/*assetpath", s.serveDeploymentAsset)
}

func (s *Server) serveDeploymentAsset(c *gin.Context) {
	deploymentID := c.Param("deployment_id")
	if strings.HasPrefix(deploymentID, "api") || deploymentID == "health" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	clientID := resolveClientID(c)
	assetPath := strings.TrimPrefix(c.Param("assetpath"), "/")
	if assetPath == "" {
		assetPath = "index.html"
	}

	root := filepath.Join(s.cfg.DeploymentsRoot, clientID, deploymentID)
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		writeError(c, &okcerr.WorkspaceIOError{Op: "deployment_root", Err: err})
		return
	}

	candidate := filepath.Join(rootAbs, filepath.Clean("/"+assetPath))
	full, err := filepath.Abs(candidate)
	if err != nil {
		writeError(c, &okcerr.WorkspaceIOError{Op: "deployment_asset", Err: err})
		return
	}

	// Reject anything that isn't a strict descendant of the deployment's own
	// root: absolute paths and ".." segments are neutralised by Abs+Clean
	// above, this check catches what survives.
	if full != rootAbs && !strings.HasPrefix(full, rootAbs+string(filepath.Separator)) {
		writeError(c, &okcerr.PathEscapeError{Path: assetPath, Resolved: full})
		return
	}

	f, err := openFile(full)
	if err != nil {
		writeError(c, &okcerr.NotFoundError{Resource: "deployment_asset", ID: deploymentID + "/" + assetPath})
		return
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		writeError(c, &okcerr.WorkspaceIOError{Op: "read_deployment_asset", Err: err})
		return
	}

	c.Data(http.StatusOK, contentTypeFor(full), content)
}

func contentTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".html":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css"
	case ".js":
		return "application/javascript"
	case ".json":
		return "application/json"
	case ".svg":
		return "image/svg+xml"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
