// Package httpapi exposes the daemon's REST surface: run lifecycle, graph
// mutations, chat, approvals, prompts and artifacts.
package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/approval"
	"github.com/vuhlp/vuhlp/internal/artifacts"
	"github.com/vuhlp/vuhlp/internal/chat"
	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/prompt"
	"github.com/vuhlp/vuhlp/internal/run"
	"github.com/vuhlp/vuhlp/internal/run/service"
	"github.com/vuhlp/vuhlp/internal/run/store"
	v1 "github.com/vuhlp/vuhlp/pkg/api/v1"
)

// Handler serves the REST API.
type Handler struct {
	service   *service.Service
	chat      *chat.Manager
	approvals *approval.Queue
	prompts   *prompt.Queue
	artifacts *artifacts.Store
	logger    *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(
	svc *service.Service,
	chatMgr *chat.Manager,
	approvals *approval.Queue,
	prompts *prompt.Queue,
	artifactStore *artifacts.Store,
	log *logger.Logger,
) *Handler {
	return &Handler{
		service:   svc,
		chat:      chatMgr,
		approvals: approvals,
		prompts:   prompts,
		artifacts: artifactStore,
		logger:    log.WithFields(zap.String("component", "httpapi")),
	}
}

func respondError(c *gin.Context, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, store.ErrRunNotFound),
		errors.Is(err, store.ErrNodeNotFound),
		errors.Is(err, store.ErrEdgeNotFound),
		errors.Is(err, store.ErrArtifactNotFound),
		errors.Is(err, prompt.ErrPromptNotFound):
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// CreateRun handles POST /runs.
func (h *Handler) CreateRun(c *gin.Context) {
	var req v1.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("invalid request body: %w", err))
		return
	}
	r, err := h.service.CreateRun(run.Mode(req.Mode), run.GlobalMode(req.GlobalMode), req.Cwd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// ListRuns handles GET /runs.
func (h *Handler) ListRuns(c *gin.Context) {
	runs := h.service.ListRuns()
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// GetRun handles GET /runs/:id.
func (h *Handler) GetRun(c *gin.Context) {
	r, err := h.service.GetRun(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// PatchRun handles PATCH /runs/:id.
func (h *Handler) PatchRun(c *gin.Context) {
	var req v1.PatchRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("invalid request body: %w", err))
		return
	}
	patch := store.RunPatch{}
	if req.Status != nil {
		status := run.Status(*req.Status)
		patch.Status = &status
	}
	if req.Mode != nil {
		mode := run.Mode(*req.Mode)
		if mode != run.ModeAuto && mode != run.ModeInteractive {
			respondError(c, fmt.Errorf("invalid run mode %q", mode))
			return
		}
		patch.Mode = &mode
	}
	if req.GlobalMode != nil {
		gm := run.GlobalMode(*req.GlobalMode)
		if gm != run.GlobalPlanning && gm != run.GlobalImplementation {
			respondError(c, fmt.Errorf("invalid global mode %q", gm))
			return
		}
		patch.GlobalMode = &gm
	}
	updated, err := h.service.PatchRun(c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// DeleteRun handles DELETE /runs/:id.
func (h *Handler) DeleteRun(c *gin.Context) {
	if err := h.service.DeleteRun(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// GetEvents handles GET /runs/:id/events?limit&before.
func (h *Handler) GetEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(c, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	var before *int64
	if raw := c.Query("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(c, fmt.Errorf("invalid before cursor %q", raw))
			return
		}
		before = &parsed
	}
	page, err := h.service.Events(c.Param("id"), limit, before)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events":     page.Events,
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// CreateNode handles POST /runs/:id/nodes.
func (h *Handler) CreateNode(c *gin.Context) {
	var req v1.CreateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("invalid request body: %w", err))
		return
	}
	node := &run.Node{
		ID:       req.ID,
		Label:    req.Label,
		Role:     req.Role,
		Provider: req.Provider,
		Control:  run.Control(req.Control),
	}
	if req.Capabilities != nil {
		node.Capabilities = capabilitiesFromAPI(req.Capabilities)
	}
	if req.Permissions != nil {
		node.Permissions = permissionsFromAPI(req.Permissions)
	}
	created, err := h.service.AddNode(c.Param("id"), node)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// PatchNode handles PATCH /runs/:id/nodes/:nodeId.
func (h *Handler) PatchNode(c *gin.Context) {
	var req v1.PatchNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("invalid request body: %w", err))
		return
	}
	patch := store.NodePatch{
		Label:    req.Label,
		Role:     req.Role,
		Provider: req.Provider,
	}
	if req.Status != nil {
		status := run.NodeStatus(*req.Status)
		switch status {
		case run.NodeQueued, run.NodeCompleted, run.NodeFailed, run.NodeSkipped, run.NodeCancelled:
			patch.Status = &status
		default:
			respondError(c, fmt.Errorf("invalid node status %q", status))
			return
		}
	}
	if req.Control != nil {
		control := run.Control(*req.Control)
		if control != run.ControlAuto && control != run.ControlManual {
			respondError(c, fmt.Errorf("invalid control %q", control))
			return
		}
		patch.Control = &control
	}
	if req.Capabilities != nil {
		caps := capabilitiesFromAPI(req.Capabilities)
		patch.Capabilities = &caps
	}
	if req.Permissions != nil {
		perms := permissionsFromAPI(req.Permissions)
		patch.Permissions = &perms
	}
	updated, err := h.service.PatchNode(c.Param("id"), c.Param("nodeId"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// DeleteNode handles DELETE /runs/:id/nodes/:nodeId.
func (h *Handler) DeleteNode(c *gin.Context) {
	if err := h.service.RemoveNode(c.Param("id"), c.Param("nodeId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ResetNode handles POST /runs/:id/nodes/:nodeId/reset.
func (h *Handler) ResetNode(c *gin.Context) {
	updated, err := h.service.ResetNode(c.Param("id"), c.Param("nodeId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// CreateEdge handles POST /runs/:id/edges.
func (h *Handler) CreateEdge(c *gin.Context) {
	var req v1.CreateEdgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.From == "" || req.To == "" {
		respondError(c, fmt.Errorf("edge requires from and to"))
		return
	}
	edgeType := run.EdgeType(req.Type)
	if edgeType == "" {
		edgeType = run.EdgeHandoff
	}
	created, err := h.service.AddEdge(c.Param("id"), &run.Edge{
		From:          req.From,
		To:            req.To,
		Bidirectional: req.Bidirectional,
		Type:          edgeType,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// DeleteEdge handles DELETE /runs/:id/edges/:edgeId.
func (h *Handler) DeleteEdge(c *gin.Context) {
	if err := h.service.RemoveEdge(c.Param("id"), c.Param("edgeId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// PostHandoff handles POST /runs/:id/handoffs.
func (h *Handler) PostHandoff(c *gin.Context) {
	var req v1.HandoffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("invalid request body: %w", err))
		return
	}
	env, err := h.service.SendHandoff(c.Param("id"), req.From, req.To, req.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, env)
}

// PostChat handles POST /runs/:id/chat.
func (h *Handler) PostChat(c *gin.Context) {
	var req v1.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Content == "" {
		respondError(c, fmt.Errorf("content is required"))
		return
	}
	if _, err := h.service.GetRun(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	msg, err := h.chat.Send(c.Request.Context(), chat.SendRequest{
		RunID:     c.Param("id"),
		NodeID:    req.NodeID,
		Content:   req.Content,
		Interrupt: req.Interrupt,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, msg)
}

// ListApprovals handles GET /approvals?runId&nodeId.
func (h *Handler) ListApprovals(c *gin.Context) {
	var pending []*approval.Request
	switch {
	case c.Query("nodeId") != "":
		pending = h.approvals.PendingForNode(c.Query("nodeId"))
	case c.Query("runId") != "":
		pending = h.approvals.PendingForRun(c.Query("runId"))
	default:
		pending = h.approvals.Pending()
	}
	c.JSON(http.StatusOK, gin.H{"approvals": pending})
}

// ResolveApproval handles POST /approvals/:id/resolve.
func (h *Handler) ResolveApproval(c *gin.Context) {
	var req v1.ResolveApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("invalid request body: %w", err))
		return
	}
	id := c.Param("id")
	var ok bool
	switch req.Decision {
	case "approved":
		ok = h.approvals.Approve(id, req.Feedback)
	case "denied":
		ok = h.approvals.Deny(id, req.Feedback)
	case "modified":
		if req.Args == nil {
			respondError(c, fmt.Errorf("modified decision requires args"))
			return
		}
		ok = h.approvals.Modify(id, req.Args, req.Feedback)
	default:
		respondError(c, fmt.Errorf("invalid decision %q", req.Decision))
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "approval not pending"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

// ListArtifacts handles GET /runs/:id/artifacts.
func (h *Handler) ListArtifacts(c *gin.Context) {
	r, err := h.service.GetRun(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	list := make([]*run.Artifact, 0, len(r.Artifacts))
	for _, a := range r.Artifacts {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	c.JSON(http.StatusOK, gin.H{"artifacts": list})
}

// GetArtifact handles GET /runs/:id/artifacts/:artifactId.
func (h *Handler) GetArtifact(c *gin.Context) {
	artifact, content, err := h.artifacts.Content(c.Param("id"), c.Param("artifactId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("X-Artifact-Name", artifact.Name)
	c.Header("X-Artifact-Kind", string(artifact.Kind))
	c.Data(http.StatusOK, "application/octet-stream", content)
}

// ExportArtifacts handles GET /runs/:id/artifacts.zip.
func (h *Handler) ExportArtifacts(c *gin.Context) {
	runID := c.Param("id")
	if _, err := h.service.GetRun(runID); err != nil {
		respondError(c, err)
		return
	}
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", runID+"-artifacts.zip"))
	c.Status(http.StatusOK)
	if err := h.artifacts.ExportZip(runID, c.Writer); err != nil {
		h.logger.Warn("artifact export failed", zap.String("run_id", runID), zap.Error(err))
	}
}

// ListPrompts handles GET /runs/:id/prompts.
func (h *Handler) ListPrompts(c *gin.Context) {
	if _, err := h.service.GetRun(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompts": h.prompts.ByRun(c.Param("id"))})
}

// CancelPrompt handles POST /prompts/:id/cancel.
func (h *Handler) CancelPrompt(c *gin.Context) {
	if err := h.prompts.Cancel(c.Param("id"), "cancelled by user"); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// PatchPrompt handles PATCH /prompts/:id.
func (h *Handler) PatchPrompt(c *gin.Context) {
	var req v1.PatchPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Content == "" {
		respondError(c, fmt.Errorf("content is required"))
		return
	}
	if err := h.prompts.ModifyContent(c.Param("id"), req.Content); err != nil {
		respondError(c, err)
		return
	}
	updated, _ := h.prompts.Get(c.Param("id"))
	c.JSON(http.StatusOK, updated)
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "vuhlp"})
}

func capabilitiesFromAPI(caps *v1.NodeCapabilities) run.Capabilities {
	scope := run.EdgeScope(caps.EdgeManagement)
	if scope == "" {
		scope = run.EdgeScopeNone
	}
	return run.Capabilities{
		WriteCode:      caps.WriteCode,
		WriteDocs:      caps.WriteDocs,
		RunCommands:    caps.RunCommands,
		DelegateOnly:   caps.DelegateOnly,
		EdgeManagement: scope,
	}
}

func permissionsFromAPI(perms *v1.NodePermissions) run.Permissions {
	mode := run.PermissionMode(perms.CLIPermissions)
	if mode == "" {
		mode = run.PermissionsGated
	}
	return run.Permissions{
		CLIPermissions:                  mode,
		AgentManagementRequiresApproval: perms.AgentManagementRequiresApproval,
	}
}
