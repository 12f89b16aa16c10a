package engine

import (
	"github.com/guardian-ai/orchestrator/moderation"
	"github.com/guardian-ai/orchestrator/registry"
)

type plannedAction struct {
	kind   string
	params map[string]any
}

// actionsForDecision maps a human decision to the ordered actions it
// executes. Decisions outside the table carry no actions: the verdict is
// recorded and the case completes without touching the platform.
func actionsForDecision(decision, contentID string) []plannedAction {
	params := map[string]any{"content_id": contentID}

	switch decision {
	case moderation.DecisionRemoveAndBan:
		return []plannedAction{
			{kind: registry.KindRemoveContent, params: params},
			{kind: registry.KindBanUser, params: params},
		}
	case moderation.DecisionApproveRemoval:
		return []plannedAction{
			{kind: registry.KindRemoveContent, params: params},
		}
	case moderation.DecisionRequestChanges:
		return []plannedAction{
			{kind: registry.KindWarnUser, params: params},
		}
	default:
		return nil
	}
}
