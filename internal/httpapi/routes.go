package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"okcvm/internal/okcerr"
	"okcvm/internal/session"
	"okcvm/internal/stream"
	"okcvm/pkg/convo"

	"github.com/gin-gonic/gin"
)

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"host":              s.cfg.Host,
		"port":              s.cfg.Port,
		"debug":             s.cfg.Debug,
		"workspaces_root":   s.cfg.WorkspacesRoot,
		"deployments_root":  s.cfg.DeploymentsRoot,
		"tool_timeout_ms":   s.cfg.ToolTimeout.Milliseconds(),
		"git_timeout_ms":    s.cfg.GitTimeout.Milliseconds(),
		"max_upload_bytes":  s.cfg.MaxUploadBytes,
		"session_store":     s.cfg.SessionStoreBackend,
	})
}

// patchConfig applies a partial update: fields omitted from the JSON body
// keep their current value, fields present with an explicit value overwrite
// it. Runtime-tunable fields only; host/port require a restart.
func (s *Server) patchConfig(c *gin.Context) {
	var patch struct {
		Debug          *bool  `json:"debug"`
		ToolTimeoutMS  *int64 `json:"tool_timeout_ms"`
		MaxUploadBytes *int64 `json:"max_upload_bytes"`
	}
	if err := c.ShouldBindJSON(&patch); err != nil {
		writeError(c, &okcerr.ToolInputInvalidError{Tool: "config", Detail: err.Error()})
		return
	}
	next := *s.cfg
	if patch.Debug != nil {
		next.Debug = *patch.Debug
	}
	if patch.ToolTimeoutMS != nil {
		next.ToolTimeout = time.Duration(*patch.ToolTimeoutMS) * time.Millisecond
	}
	if patch.MaxUploadBytes != nil {
		next.MaxUploadBytes = *patch.MaxUploadBytes
	}
	s.cfg = &next
	s.getConfig(c)
}

func (s *Server) sessionInfo(c *gin.Context) {
	sess, err := s.sessionFor(c)
	if err != nil {
		writeError(c, err)
		return
	}
	info, err := sess.Describe(c.Request.Context(), "", "")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"client_id": sess.ClientID,
		"git_state": sess.GitState().String(),
		"workspace": gin.H{
			"id":     info.WorkspaceID,
			"mount":  info.WorkspaceMount,
			"output": info.WorkspaceOutput,
		},
		"system_prompt":  info.SystemPrompt,
		"history_length": info.HistoryLength,
		"tools":          sess.Tools(),
	})
}

func (s *Server) sessionBoot(c *gin.Context) {
	sess, err := s.sessionFor(c)
	if err != nil {
		writeError(c, err)
		return
	}
	state, err := sess.WorkspaceStateSummary(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	info, err := sess.Describe(c.Request.Context(), "", "")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"welcome":   "okcvm session ready",
		"client_id": sess.ClientID,
		"workspace": state,
		"tools":     sess.Tools(),
		"vm_info":   info,
	})
}

type chatRequest struct {
	Message     string `json:"message"`
	ReplaceLast bool   `json:"replace_last"`
	Stream      bool   `json:"stream"`
	Conversation string `json:"conversation_id"`
}

// sseSink adapts stream.Sink to gin's ResponseWriter, writing one SSE frame
// per Event and flushing immediately, per SPEC_FULL.md §4.G / §6.2.
type sseSink struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s sseSink) Publish(e stream.Event) error {
	data, err := e.JSON()
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *Server) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, &okcerr.ToolInputInvalidError{Tool: "chat", Detail: err.Error()})
		return
	}

	sess, err := s.sessionFor(c)
	if err != nil {
		writeError(c, err)
		return
	}

	wantsSSE := req.Stream && strings.Contains(c.GetHeader("Accept"), "text/event-stream")

	if !wantsSSE {
		entries, err := sess.Respond(c.Request.Context(), req.Conversation, req.Message, session.RespondOptions{ReplaceLast: req.ReplaceLast})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, chatPayload(entries))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, &okcerr.ToolExecError{Tool: "chat", Err: errNoFlush})
		return
	}

	bridge := stream.New(sseSink{w: c.Writer, f: flusher}, 32)
	entries, err := sess.Respond(c.Request.Context(), req.Conversation, req.Message, session.RespondOptions{Bridge: bridge, ReplaceLast: req.ReplaceLast})
	bridge.EmitStop()
	bridge.Close()
	if err != nil {
		return // the error event already reached the client via EmitError
	}
	_ = entries
}

var errNoFlush = okcerrNotFlushable{}

type okcerrNotFlushable struct{}

func (okcerrNotFlushable) Error() string { return "response writer does not support flushing" }

func chatPayload(entries []*convo.HistoryEntry) gin.H {
	var reply string
	var toolCalls []interface{}
	var usage *convo.TokenUsage
	for _, e := range entries {
		if e.Role == convo.RoleAssistant && e.Content != "" {
			reply = e.Content
			if e.TokenUsage != nil {
				usage = e.TokenUsage
			}
		}
		for _, inv := range e.ToolInvocations {
			toolCalls = append(toolCalls, inv)
		}
	}
	meta := gin.H{"created_at": time.Now().UTC().Format(time.RFC3339)}
	if usage != nil {
		meta["input_tokens"] = usage.InputTokens
		meta["output_tokens"] = usage.OutputTokens
	}
	return gin.H{"reply": reply, "meta": meta, "tool_calls": toolCalls}
}

func (s *Server) historyEntry(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.sessionFor(c)
	if err != nil {
		writeError(c, err)
		return
	}
	entries, err := sess.ListHistory(c.Query("conversation_id"), 0)
	if err != nil {
		writeError(c, err)
		return
	}
	for _, e := range entries {
		if e.ID == id {
			c.JSON(http.StatusOK, e)
			return
		}
	}
	writeError(c, &okcerr.NotFoundError{Resource: "history_entry", ID: id})
}

func (s *Server) deleteHistory(c *gin.Context) {
	sess, err := s.sessionFor(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := sess.DeleteHistory(); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listFiles(c *gin.Context) {
	sess, err := s.sessionFor(c)
	if err != nil {
		writeError(c, err)
		return
	}
	state, err := sess.WorkspaceStateSummary(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": state})
}

func (s *Server) uploadFiles(c *gin.Context) {
	sess, err := s.sessionFor(c)
	if err != nil {
		writeError(c, err)
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		writeError(c, &okcerr.ToolInputInvalidError{Tool: "upload", Detail: err.Error()})
		return
	}

	const maxUploadBytes = 100 << 20
	const maxFileCount = 100

	files := form.File["files"]
	if len(files) > maxFileCount {
		writeError(c, &okcerr.UploadLimitExceededError{Detail: "more than 100 files in one request"})
		return
	}

	payload := make(map[string][]byte, len(files))
	seen := make(map[string]bool, len(files))
	for _, fh := range files {
		if seen[fh.Filename] {
			writeError(c, &okcerr.DuplicateUploadError{Name: fh.Filename})
			return
		}
		seen[fh.Filename] = true
		if fh.Size > maxUploadBytes {
			writeError(c, &okcerr.UploadTooLargeError{Name: fh.Filename, SizeBytes: fh.Size, LimitBytes: maxUploadBytes})
			return
		}
		f, err := fh.Open()
		if err != nil {
			writeError(c, &okcerr.WorkspaceIOError{Op: "open_upload", Err: err})
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(c, &okcerr.WorkspaceIOError{Op: "read_upload", Err: err})
			return
		}
		payload[fh.Filename] = data
	}

	uploads, err := sess.UploadFiles(payload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploads": uploads})
}

func (s *Server) listSnapshots(c *gin.Context) {
	sess, err := s.sessionFor(c)
	if err != nil {
		writeError(c, err)
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	snaps, err := sess.ListSnapshots(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

func (s *Server) createSnapshot(c *gin.Context) {
	sess, err := s.sessionFor(c)
	if err != nil {
		writeError(c, err)
		return
	}
	var body struct {
		Label string `json:"label"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Label == "" {
		body.Label = "manual snapshot"
	}
	snap, err := sess.CreateSnapshot(c.Request.Context(), body.Label)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) restoreSnapshot(c *gin.Context) {
	sess, err := s.sessionFor(c)
	if err != nil {
		writeError(c, err)
		return
	}
	var body struct {
		SnapshotID string `json:"snapshot_id"`
		Branch     string `json:"branch"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, &okcerr.ToolInputInvalidError{Tool: "restore", Detail: err.Error()})
		return
	}

	if body.Branch != "" {
		if _, err := sess.AssignBranch(c.Request.Context(), body.Branch); err != nil {
			writeError(c, err)
			return
		}
	}
	if body.SnapshotID != "" {
		if err := sess.RestoreSnapshot(c.Request.Context(), body.SnapshotID); err != nil {
			writeError(c, err)
			return
		}
	}

	state, err := sess.WorkspaceStateSummary(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspace": state})
}

