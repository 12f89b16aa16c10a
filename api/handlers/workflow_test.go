package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/guardian-ai/orchestrator/engine"
	"github.com/guardian-ai/orchestrator/moderation"
	"github.com/guardian-ai/orchestrator/queue"
	"github.com/guardian-ai/orchestrator/store"
)

type apiFixture struct {
	mux   *http.ServeMux
	queue *queue.MemoryQueue
	store *store.MemoryStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue(16)
	t.Cleanup(func() { _ = q.Close() })

	h := NewWorkflowHandler(q, engine.NewStatusService(st, zap.NewNop()), zap.NewNop())
	mux := http.NewServeMux()
	h.Register(mux)

	return &apiFixture{mux: mux, queue: q, store: st}
}

func (f *apiFixture) seedCase(t *testing.T, caseID string, status moderation.Status) {
	t.Helper()
	c := &moderation.Case{
		CaseID:      caseID,
		ContentID:   "post_1",
		ContentText: "seeded content",
		Status:      status,
		AISuggestion: &moderation.Analysis{
			ConfidenceScore: 98,
			SuggestedAction: moderation.SuggestEscalate,
			ViolationType:   "confidential_info",
			Severity:        moderation.SeverityCritical,
		},
	}
	require.NoError(t, f.store.Create(context.Background(), c, ""))
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestHandleStart(t *testing.T) {
	t.Run("AcceptsAndQueues", func(t *testing.T) {
		f := newAPIFixture(t)
		rec, resp := f.do(t, http.MethodPost, "/workflows/start",
			`{"content_id":"post_1","content_text":"some text"}`)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		require.True(t, resp.Success)

		data := resp.Data.(map[string]any)
		threadID := data["thread_id"].(string)
		assert.True(t, strings.HasPrefix(threadID, "case_"))
		assert.Equal(t, "queued", data["status"])
		assert.Equal(t, 1, f.queue.Len())

		d, err := f.queue.Receive(context.Background(), 50*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, queue.CommandStart, d.Command.Type)
		assert.Equal(t, threadID, d.Command.CaseID)
		assert.NotEmpty(t, d.Command.IdempotencyKey)
	})

	t.Run("EmptyContentRejected", func(t *testing.T) {
		f := newAPIFixture(t)
		rec, resp := f.do(t, http.MethodPost, "/workflows/start", `{"content_id":"post_1"}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		require.NotNil(t, resp.Error)
		assert.Equal(t, string(moderation.ErrCodeValidation), resp.Error.Code)
		assert.Equal(t, 0, f.queue.Len())
	})

	t.Run("MalformedJSONRejected", func(t *testing.T) {
		f := newAPIFixture(t)
		rec, _ := f.do(t, http.MethodPost, "/workflows/start", `{"content_text":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("UnknownFieldRejected", func(t *testing.T) {
		f := newAPIFixture(t)
		rec, _ := f.do(t, http.MethodPost, "/workflows/start",
			`{"content_text":"x","surprise":true}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleStatus(t *testing.T) {
	t.Run("ReturnsProjection", func(t *testing.T) {
		f := newAPIFixture(t)
		f.seedCase(t, "case_1", moderation.StatusInterrupted)

		rec, resp := f.do(t, http.MethodGet, "/workflows/status/case_1", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		require.True(t, resp.Success)

		data := resp.Data.(map[string]any)
		assert.Equal(t, "case_1", data["thread_id"])
		assert.Equal(t, string(moderation.StatusInterrupted), data["status"])
		assert.Equal(t, "confidential_info", data["ai_suggestion"])
		// Pending verdict renders as JSON null, not a sentinel string.
		v, present := data["human_decision"]
		assert.True(t, present)
		assert.Nil(t, v)
	})

	t.Run("MissingCase", func(t *testing.T) {
		f := newAPIFixture(t)
		rec, resp := f.do(t, http.MethodGet, "/workflows/status/ghost", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		require.NotNil(t, resp.Error)
		assert.Equal(t, string(moderation.ErrCodeNotFound), resp.Error.Code)
	})
}

func TestHandleResume(t *testing.T) {
	t.Run("AcceptsAndQueues", func(t *testing.T) {
		f := newAPIFixture(t)
		f.seedCase(t, "case_1", moderation.StatusInterrupted)

		rec, resp := f.do(t, http.MethodPost, "/workflows/case_1/resume",
			`{"human_decision":"remove_content_and_ban","moderator_id":"mod_a","comment":"clear"}`)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		require.True(t, resp.Success)
		assert.Equal(t, 1, f.queue.Len())

		d, err := f.queue.Receive(context.Background(), 50*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, queue.CommandResume, d.Command.Type)

		var p queue.ResumePayload
		require.NoError(t, d.Command.DecodePayload(&p))
		assert.Equal(t, moderation.DecisionRemoveAndBan, p.HumanDecision)
		assert.Equal(t, "mod_a", p.ModeratorID)
	})

	t.Run("MissingCaseNotQueued", func(t *testing.T) {
		f := newAPIFixture(t)
		rec, _ := f.do(t, http.MethodPost, "/workflows/ghost/resume",
			`{"human_decision":"ignore","moderator_id":"mod_a"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, 0, f.queue.Len())
	})

	t.Run("MissingModeratorRejected", func(t *testing.T) {
		f := newAPIFixture(t)
		f.seedCase(t, "case_1", moderation.StatusInterrupted)
		rec, _ := f.do(t, http.MethodPost, "/workflows/case_1/resume",
			`{"human_decision":"ignore"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleRollback(t *testing.T) {
	t.Run("AcceptsAndQueues", func(t *testing.T) {
		f := newAPIFixture(t)
		f.seedCase(t, "case_1", moderation.StatusDone)

		rec, _ := f.do(t, http.MethodPost, "/workflows/case_1/rollback",
			`{"reason":"successful appeal","requested_by":"appeals_team"}`)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, 1, f.queue.Len())
	})

	t.Run("EmptyReasonRejected", func(t *testing.T) {
		f := newAPIFixture(t)
		f.seedCase(t, "case_1", moderation.StatusDone)
		rec, _ := f.do(t, http.MethodPost, "/workflows/case_1/rollback", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, 0, f.queue.Len())
	})
}

func TestHealthHandler(t *testing.T) {
	t.Run("Liveness", func(t *testing.T) {
		h := NewHealthHandler(zap.NewNop())
		rec := httptest.NewRecorder()
		h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("ReadinessFailsWithDependency", func(t *testing.T) {
		h := NewHealthHandler(zap.NewNop())
		h.RegisterCheck(HealthCheckFunc{
			CheckName: "postgres",
			Ping:      func(ctx context.Context) error { return context.DeadlineExceeded },
		})

		rec := httptest.NewRecorder()
		h.HandleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var status HealthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, "unhealthy", status.Status)
		assert.Equal(t, "fail", status.Checks["postgres"].Status)
	})
}
