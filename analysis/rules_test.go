package analysis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/guardian-ai/orchestrator/moderation"
)

func TestRuleAnalyzer(t *testing.T) {
	a := NewRuleAnalyzer(zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		name          string
		text          string
		wantAction    moderation.SuggestedAction
		wantViolation string
	}{
		{
			name:          "leaked api key escalates",
			text:          "check out my config: api_key = sk-abcdef1234567890abcd",
			wantAction:    moderation.SuggestEscalate,
			wantViolation: "confidential_info",
		},
		{
			name:          "password assignment escalates",
			text:          "just use password: hunter2 to log in",
			wantAction:    moderation.SuggestEscalate,
			wantViolation: "confidential_info",
		},
		{
			name:          "threat escalates",
			text:          "I will kill you if you post that again",
			wantAction:    moderation.SuggestEscalate,
			wantViolation: "violence",
		},
		{
			name:          "spam warns",
			text:          "CRYPTO GIVEAWAY!!! click here for free money",
			wantAction:    moderation.SuggestWarn,
			wantViolation: "spam",
		},
		{
			name:          "benign content ignored",
			text:          "Has anyone tried the new compiler release? Works great for me.",
			wantAction:    moderation.SuggestIgnore,
			wantViolation: "none",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := a.Analyze(ctx, "post-1", tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, result.SuggestedAction)
			assert.Equal(t, tt.wantViolation, result.ViolationType)
			assert.Greater(t, result.ConfidenceScore, 0)
			if tt.wantViolation != "none" {
				assert.NotEmpty(t, result.KeyPhrases)
			}
		})
	}
}

func TestRuleAnalyzerPrecedence(t *testing.T) {
	a := NewRuleAnalyzer(zap.NewNop())

	// Content matching both a credential leak and spam reports the graver
	// violation.
	result, err := a.Analyze(context.Background(), "post-2",
		"limited offer! my secret_key is right here")
	require.NoError(t, err)
	assert.Equal(t, "confidential_info", result.ViolationType)
	assert.Equal(t, moderation.SeverityCritical, result.Severity)
}

func TestRuleAnalyzerCancelledContext(t *testing.T) {
	a := NewRuleAnalyzer(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Analyze(ctx, "post-3", "anything")
	assert.ErrorIs(t, err, context.Canceled)
}
