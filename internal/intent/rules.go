package intent

import (
	"context"
	"regexp"
	"strings"

	"github.com/avvvet/veribuddy-dispatch/internal/catalog"
	"github.com/avvvet/veribuddy-dispatch/internal/models"
)

// buildRules returns the rule table in priority order. Moderation first:
// safety-critical actions must win over open-ended education and support
// phrasing when both could match.
func buildRules() []rule {
	return []rule{
		{
			intent:    catalog.BanUser,
			pattern:   regexp.MustCompile(`(?i)\bban\s+@?(\w+)`),
			cacheable: true,
			build: func(m *Matcher, ctx context.Context, text string, groups []string, mc MatchContext) *models.NLPResult {
				return operation(catalog.BanUser, ConfidenceHigh, map[string]string{"user": groups[1]})
			},
		},
		{
			intent:    catalog.KickUser,
			pattern:   regexp.MustCompile(`(?i)\bkick\b(?:\s+\S+)*?\s+@?([A-Za-z]\w*)[\s.!?]*$`),
			cacheable: true,
			build: func(m *Matcher, ctx context.Context, text string, groups []string, mc MatchContext) *models.NLPResult {
				return operation(catalog.KickUser, ConfidenceHigh, map[string]string{"user": groups[1]})
			},
		},
		{
			intent:    catalog.MuteUser,
			pattern:   regexp.MustCompile(`(?i)\bmute\s+@?(\w+)(?:\s+for\s+(\S+))?`),
			cacheable: true,
			build: func(m *Matcher, ctx context.Context, text string, groups []string, mc MatchContext) *models.NLPResult {
				params := map[string]string{"user": groups[1]}
				if groups[2] != "" {
					params["duration"] = groups[2]
				}
				return operation(catalog.MuteUser, ConfidenceMedium, params)
			},
		},
		{
			intent:    catalog.WarnUser,
			pattern:   regexp.MustCompile(`(?i)\bwarn\s+@?(\w+)(?:\s+for\s+(.+?))?[.!?]*\s*$`),
			cacheable: true,
			build: func(m *Matcher, ctx context.Context, text string, groups []string, mc MatchContext) *models.NLPResult {
				params := map[string]string{"user": groups[1]}
				if groups[2] != "" {
					params["reason"] = groups[2]
				}
				return operation(catalog.WarnUser, ConfidenceLow, params)
			},
		},
		{
			intent:  catalog.RevokeCredential,
			pattern: regexp.MustCompile(`(?i)\brevoke\b.*\bcredential`),
			build: func(m *Matcher, ctx context.Context, text string, groups []string, mc MatchContext) *models.NLPResult {
				allowed, err := m.hasRole(ctx, mc.UserID, AdminRole)
				if err != nil || !allowed {
					return denied(catalog.RevokeCredential, "insufficient permissions for revocation")
				}
				id := m.extractCredentialID(ctx, text)
				if id == "" {
					return denied(catalog.RevokeCredential, "no valid credential identifier found")
				}
				return operation(catalog.RevokeCredential, ConfidenceMedium, map[string]string{"credential_id": id})
			},
		},
		{
			intent:  catalog.VerifyCredential,
			pattern: regexp.MustCompile(`(?i)\b(?:verify|check)\b.*\bcredential`),
			build: func(m *Matcher, ctx context.Context, text string, groups []string, mc MatchContext) *models.NLPResult {
				id := m.extractCredentialID(ctx, text)
				if id == "" {
					return denied(catalog.VerifyCredential, "no valid credential identifier found")
				}
				return operation(catalog.VerifyCredential, ConfidenceMedium, map[string]string{"credential_id": id})
			},
		},
		{
			intent:  catalog.IssueCredential,
			pattern: regexp.MustCompile(`(?i)\b(?:issue|give|grant)\b.*\bcredential`),
			build: func(m *Matcher, ctx context.Context, text string, groups []string, mc MatchContext) *models.NLPResult {
				recipient := extractRecipient(text)
				if recipient == "" {
					return denied(catalog.IssueCredential, "no recipient found")
				}
				credType, contextual := m.resolveCredentialType(ctx, text, mc)
				if credType == "" {
					return denied(catalog.IssueCredential, "no credential type found")
				}
				confidence := ConfidenceLow
				if contextual {
					confidence = ConfidenceHigh
				}
				return operation(catalog.IssueCredential, confidence, map[string]string{
					"recipient":       recipient,
					"credential_type": credType,
				})
			},
		},
		{
			intent:    catalog.ListCredentials,
			pattern:   regexp.MustCompile(`(?i)\b(?:list|show)\b.*\bcredentials\b`),
			cacheable: true,
			build: func(m *Matcher, ctx context.Context, text string, groups []string, mc MatchContext) *models.NLPResult {
				return operation(catalog.ListCredentials, ConfidenceLow, map[string]string{})
			},
		},
		{
			intent:    catalog.UpgradeSupportTier,
			pattern:   regexp.MustCompile(`(?i)\bupgrade\b.*\b(basic|premium|enterprise)\b`),
			cacheable: true,
			build: func(m *Matcher, ctx context.Context, text string, groups []string, mc MatchContext) *models.NLPResult {
				return operation(catalog.UpgradeSupportTier, ConfidenceMedium, map[string]string{
					"target_tier": strings.ToLower(groups[1]),
				})
			},
		},
		{
			intent:    catalog.ExplainTopic,
			pattern:   regexp.MustCompile(`(?i)\b(?:teach me about|tell me about|explain|what is)\s+(.+?)[?.!]*\s*$`),
			cacheable: true,
			build: func(m *Matcher, ctx context.Context, text string, groups []string, mc MatchContext) *models.NLPResult {
				return operation(catalog.ExplainTopic, ConfidenceLow, map[string]string{"topic": groups[1]})
			},
		},
		{
			intent:    catalog.StartQuiz,
			pattern:   regexp.MustCompile(`(?i)\b(?:start|begin)\s+(?:a\s+)?quiz(?:\s+(?:on|about)\s+(.+?))?[?.!]*\s*$`),
			cacheable: true,
			build: func(m *Matcher, ctx context.Context, text string, groups []string, mc MatchContext) *models.NLPResult {
				params := map[string]string{}
				if groups[1] != "" {
					params["topic"] = groups[1]
				}
				return operation(catalog.StartQuiz, ConfidenceLow, params)
			},
		},
		{
			intent:    catalog.CreateSupportTicket,
			pattern:   regexp.MustCompile(`(?i)\b(?:open|create|file)\s+(?:a\s+)?(?:support\s+)?ticket(?:\s+(?:about|for)\s+(.+?))?[?.!]*\s*$`),
			cacheable: true,
			build: func(m *Matcher, ctx context.Context, text string, groups []string, mc MatchContext) *models.NLPResult {
				if groups[1] == "" {
					return denied(catalog.CreateSupportTicket, "no ticket subject found")
				}
				return operation(catalog.CreateSupportTicket, ConfidenceLow, map[string]string{"subject": groups[1]})
			},
		},
		{
			intent:    catalog.ShowHelp,
			pattern:   regexp.MustCompile(`(?i)^\s*(?:/?help|what can you do)\b`),
			cacheable: true,
			build: func(m *Matcher, ctx context.Context, text string, groups []string, mc MatchContext) *models.NLPResult {
				return operation(catalog.ShowHelp, ConfidenceHigh, map[string]string{})
			},
		},
	}
}

var (
	recipientPattern      = regexp.MustCompile(`(?i)\bto\s+@?(\w+)`)
	grantRecipientPattern = regexp.MustCompile(`(?i)\b(?:give|grant)\s+@(\w+)`)
)

func extractRecipient(text string) string {
	if groups := recipientPattern.FindStringSubmatch(text); groups != nil {
		return groups[1]
	}
	// "give @bob a membership credential" style, recipient right after the verb
	if groups := grantRecipientPattern.FindStringSubmatch(text); groups != nil {
		return groups[1]
	}
	return ""
}

func (m *Matcher) hasRole(ctx context.Context, userID, role string) (bool, error) {
	if m.roles == nil || userID == "" {
		return false, nil
	}
	return m.roles.HasRole(ctx, userID, role)
}
