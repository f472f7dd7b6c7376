package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"okcvm/internal/okcerr"
	"okcvm/pkg/convo"

	"github.com/gin-gonic/gin"
)

func (s *Server) listConversations(c *gin.Context) {
	if s.conversations == nil {
		c.JSON(http.StatusOK, gin.H{"conversations": []string{}})
		return
	}
	clientID := resolveClientID(c)
	ids, err := s.conversations.ListConversations(c.Request.Context(), clientID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": ids})
}

func (s *Server) saveConversation(c *gin.Context) {
	if s.conversations == nil {
		writeError(c, &okcerr.NotFoundError{Resource: "conversation_store", ID: "unconfigured"})
		return
	}
	var payload convo.Conversation
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeError(c, &okcerr.ToolInputInvalidError{Tool: "conversations", Detail: err.Error()})
		return
	}

	clientID := resolveClientID(c)
	if existing, err := s.conversations.LoadConversation(c.Request.Context(), payload.ID); err == nil {
		if string(existing.ClientID) != clientID {
			writeError(c, &okcerr.ClientMismatchError{Expected: string(existing.ClientID), Got: clientID})
			return
		}
	}
	payload.ClientID = convo.ClientID(clientID)
	if payload.CreatedAt.IsZero() {
		payload.CreatedAt = time.Now()
	}
	payload.UpdatedAt = time.Now()

	if err := s.persistConversation(c, &payload); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) updateConversation(c *gin.Context) {
	if s.conversations == nil {
		writeError(c, &okcerr.NotFoundError{Resource: "conversation_store", ID: "unconfigured"})
		return
	}
	var payload convo.Conversation
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeError(c, &okcerr.ToolInputInvalidError{Tool: "conversations", Detail: err.Error()})
		return
	}
	payload.ID = c.Param("id") // id from path wins, per SPEC_FULL.md §6.1

	clientID := resolveClientID(c)
	if existing, err := s.conversations.LoadConversation(c.Request.Context(), payload.ID); err == nil {
		if string(existing.ClientID) != clientID {
			writeError(c, &okcerr.ClientMismatchError{Expected: string(existing.ClientID), Got: clientID})
			return
		}
	}
	payload.ClientID = convo.ClientID(clientID)
	payload.UpdatedAt = time.Now()
	if payload.CreatedAt.IsZero() {
		payload.CreatedAt = time.Now()
	}

	if err := s.persistConversation(c, &payload); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) persistConversation(c *gin.Context, conv *convo.Conversation) error {
	if err := s.conversations.SaveConversation(c.Request.Context(), conv); err != nil {
		return err
	}
	for _, e := range conv.Entries {
		if err := s.conversations.AppendHistoryEntry(c.Request.Context(), conv.ID, e); err != nil {
			return err
		}
	}
	return nil
}

// deleteConversation removes the stored conversation row and, when the
// conversation carries a workspace reference, attempts to clean up its
// on-disk workspace and deployment directories as well. Cleanup failures are
// reported alongside the delete rather than failing the request — the row is
// already gone by the time cleanup runs.
func (s *Server) deleteConversation(c *gin.Context) {
	if s.conversations == nil {
		writeError(c, &okcerr.NotFoundError{Resource: "conversation_store", ID: "unconfigured"})
		return
	}
	id := c.Param("id")
	conv, err := s.conversations.LoadConversation(c.Request.Context(), id)
	if err != nil {
		writeError(c, &okcerr.NotFoundError{Resource: "conversation", ID: id})
		return
	}
	if err := s.conversations.DeleteConversation(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}

	report := gin.H{"deleted": true}
	if conv.Workspace != nil && conv.Workspace.Paths.InternalRoot != "" {
		workspaceErr := os.RemoveAll(conv.Workspace.Paths.InternalRoot)
		report["workspace_cleaned"] = workspaceErr == nil
		if workspaceErr != nil {
			report["workspace_error"] = workspaceErr.Error()
		}
		if s.cfg.DeploymentsRoot != "" {
			deploymentDir := filepath.Join(s.cfg.DeploymentsRoot, string(conv.ClientID), conv.ID)
			deploymentErr := os.RemoveAll(deploymentDir)
			report["deployment_cleaned"] = deploymentErr == nil
			if deploymentErr != nil {
				report["deployment_error"] = deploymentErr.Error()
			}
		}
	}
	c.JSON(http.StatusOK, report)
}
