package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guardian-ai/orchestrator/engine"
	"github.com/guardian-ai/orchestrator/moderation"
	"github.com/guardian-ai/orchestrator/queue"
)

// StartWorkflowRequest is the POST /workflows/start body.
type StartWorkflowRequest struct {
	ContentID   string `json:"content_id"`
	ContentText string `json:"content_text"`
}

// StartWorkflowResponse acknowledges an accepted start command.
type StartWorkflowResponse struct {
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
}

// ResumeWorkflowRequest is the POST /workflows/{thread_id}/resume body.
type ResumeWorkflowRequest struct {
	HumanDecision string `json:"human_decision"`
	ModeratorID   string `json:"moderator_id"`
	Comment       string `json:"comment,omitempty"`
}

// RollbackWorkflowRequest is the POST /workflows/{thread_id}/rollback body.
type RollbackWorkflowRequest struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// CommandAccepted acknowledges a queued resume or rollback command.
type CommandAccepted struct {
	ThreadID  string `json:"thread_id"`
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
}

// WorkflowHandler exposes the moderation workflow API. Mutations are
// enqueued and acknowledged with 202; the dispatcher applies them with
// per-case serialization, so two racing commands never corrupt a case,
// one of them simply loses.
type WorkflowHandler struct {
	queue  queue.Queue
	status *engine.StatusService
	logger *zap.Logger
}

// NewWorkflowHandler creates the workflow handler.
func NewWorkflowHandler(q queue.Queue, status *engine.StatusService, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{
		queue:  q,
		status: status,
		logger: logger.With(zap.String("component", "workflow_api")),
	}
}

// Register mounts the workflow routes.
func (h *WorkflowHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /workflows/start", h.HandleStart)
	mux.HandleFunc("GET /workflows/status/{thread_id}", h.HandleStatus)
	mux.HandleFunc("POST /workflows/{thread_id}/resume", h.HandleResume)
	mux.HandleFunc("POST /workflows/{thread_id}/rollback", h.HandleRollback)
}

// HandleStart accepts new content for moderation. The case id is allocated
// here so the client can poll before the dispatcher has picked the command
// up.
func (h *WorkflowHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req StartWorkflowRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.ContentText == "" {
		WriteError(w, moderation.NewValidation("content_text must not be empty"), h.logger)
		return
	}

	caseID := "case_" + uuid.New().String()
	cmd, err := queue.NewCommand(queue.CommandStart, caseID, queue.StartPayload{
		ContentID:   req.ContentID,
		ContentText: req.ContentText,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if err := h.queue.Enqueue(r.Context(), cmd); err != nil {
		WriteError(w, moderation.NewError(moderation.ErrCodeInternal, "enqueue command").WithCause(err), h.logger)
		return
	}

	h.logger.Info("workflow start accepted",
		zap.String("thread_id", caseID),
		zap.String("content_id", req.ContentID),
	)
	WriteAccepted(w, StartWorkflowResponse{ThreadID: caseID, Status: "queued"})
}

// HandleStatus serves the case projection.
func (h *WorkflowHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	snap, err := h.status.Snapshot(r.Context(), threadID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, snap)
}

// HandleResume accepts a human verdict. Only existence is checked here;
// whether the case is actually awaiting review is decided by the
// dispatcher under the case lock.
func (h *WorkflowHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	var req ResumeWorkflowRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.HumanDecision == "" {
		WriteError(w, moderation.NewValidation("human_decision must not be empty"), h.logger)
		return
	}
	if req.ModeratorID == "" {
		WriteError(w, moderation.NewValidation("moderator_id must not be empty"), h.logger)
		return
	}

	if _, err := h.status.Snapshot(r.Context(), threadID); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	cmd, err := queue.NewCommand(queue.CommandResume, threadID, queue.ResumePayload{
		HumanDecision: req.HumanDecision,
		ModeratorID:   req.ModeratorID,
		Comment:       req.Comment,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if err := h.queue.Enqueue(r.Context(), cmd); err != nil {
		WriteError(w, moderation.NewError(moderation.ErrCodeInternal, "enqueue command").WithCause(err), h.logger)
		return
	}

	h.logger.Info("resume accepted",
		zap.String("thread_id", threadID),
		zap.String("decision", req.HumanDecision),
	)
	WriteAccepted(w, CommandAccepted{ThreadID: threadID, CommandID: cmd.ID, Status: "queued"})
}

// HandleRollback accepts an appeal against a completed case.
func (h *WorkflowHandler) HandleRollback(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	var req RollbackWorkflowRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Reason == "" {
		WriteError(w, moderation.NewValidation("reason must not be empty"), h.logger)
		return
	}

	if _, err := h.status.Snapshot(r.Context(), threadID); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	cmd, err := queue.NewCommand(queue.CommandRollback, threadID, queue.RollbackPayload{
		Reason:      req.Reason,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if err := h.queue.Enqueue(r.Context(), cmd); err != nil {
		WriteError(w, moderation.NewError(moderation.ErrCodeInternal, "enqueue command").WithCause(err), h.logger)
		return
	}

	h.logger.Info("rollback accepted",
		zap.String("thread_id", threadID),
		zap.String("reason", req.Reason),
	)
	WriteAccepted(w, CommandAccepted{ThreadID: threadID, CommandID: cmd.ID, Status: "queued"})
}
