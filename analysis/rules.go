package analysis

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/guardian-ai/orchestrator/moderation"
)

// rule is one violation class: a set of patterns plus the assessment to
// produce when any of them matches.
type rule struct {
	violationType string
	severity      moderation.Severity
	action        moderation.SuggestedAction
	confidence    int
	reasoning     string
	patterns      []*regexp.Regexp
}

// Policy table, ordered by precedence. Leaked credentials and threats
// escalate; spam draws a warning; everything else is ignored.
var defaultRules = []rule{
	{
		violationType: "confidential_info",
		severity:      moderation.SeverityCritical,
		action:        moderation.SuggestEscalate,
		confidence:    95,
		reasoning:     "The post appears to contain credentials or other confidential material.",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(api[_-]?key|secret[_-]?key|access[_-]?token)\b`),
			regexp.MustCompile(`(?i)\bpassword\s*[:=]`),
			regexp.MustCompile(`\bsk-[A-Za-z0-9]{16,}\b`),
			regexp.MustCompile(`(?i)-----BEGIN (RSA |EC )?PRIVATE KEY-----`),
		},
	},
	{
		violationType: "hate_speech",
		severity:      moderation.SeverityCritical,
		action:        moderation.SuggestEscalate,
		confidence:    90,
		reasoning:     "The post contains slurs or dehumanizing language targeting a group.",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bhate\s+(speech|them|those people)\b`),
			regexp.MustCompile(`(?i)\b(subhuman|vermin)\b`),
		},
	},
	{
		violationType: "violence",
		severity:      moderation.SeverityHigh,
		action:        moderation.SuggestEscalate,
		confidence:    88,
		reasoning:     "The post contains a threat of physical harm.",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(kill|hurt|attack)\s+(you|him|her|them)\b`),
			regexp.MustCompile(`(?i)\bi will find you\b`),
		},
	},
	{
		violationType: "harassment",
		severity:      moderation.SeverityMedium,
		action:        moderation.SuggestEscalate,
		confidence:    80,
		reasoning:     "The post targets another user with abuse.",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(loser|pathetic|worthless)\b.*\b(you|u)\b`),
			regexp.MustCompile(`(?i)\bnobody wants you here\b`),
		},
	},
	{
		violationType: "spam",
		severity:      moderation.SeverityLow,
		action:        moderation.SuggestWarn,
		confidence:    70,
		reasoning:     "The post looks like promotional spam.",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(buy now|limited offer|click here|crypto giveaway)\b`),
			regexp.MustCompile(`(?i)\bfree\s+money\b`),
		},
	},
}

// RuleAnalyzer classifies content with a fixed pattern table. Deterministic
// and dependency-free, which keeps the orchestration pipeline exercisable
// end to end without an external classifier.
type RuleAnalyzer struct {
	rules  []rule
	logger *zap.Logger
}

// NewRuleAnalyzer creates an analyzer with the default policy table.
func NewRuleAnalyzer(logger *zap.Logger) *RuleAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleAnalyzer{
		rules:  defaultRules,
		logger: logger.With(zap.String("component", "rule_analyzer")),
	}
}

func (a *RuleAnalyzer) Analyze(ctx context.Context, contentID, contentText string) (*moderation.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, r := range a.rules {
		phrases := matchPhrases(r.patterns, contentText)
		if len(phrases) == 0 {
			continue
		}

		a.logger.Info("content flagged",
			zap.String("content_id", contentID),
			zap.String("violation_type", r.violationType),
			zap.String("severity", string(r.severity)),
		)
		return &moderation.Analysis{
			ConfidenceScore: r.confidence,
			SuggestedAction: r.action,
			ViolationType:   r.violationType,
			Severity:        r.severity,
			Reasoning:       r.reasoning,
			KeyPhrases:      phrases,
		}, nil
	}

	return &moderation.Analysis{
		ConfidenceScore: 85,
		SuggestedAction: moderation.SuggestIgnore,
		ViolationType:   "none",
		Severity:        moderation.SeverityLow,
		Reasoning:       "No policy violation detected.",
	}, nil
}

func matchPhrases(patterns []*regexp.Regexp, text string) []string {
	var phrases []string
	for _, p := range patterns {
		if m := p.FindString(text); m != "" {
			phrases = append(phrases, strings.TrimSpace(m))
		}
	}
	return phrases
}
