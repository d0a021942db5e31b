// Package intent is the deterministic first pass over inbound text: an
// ordered rule table mapping trigger phrases to catalog actions. Rule order
// is priority: moderation rules run before credential, education and support
// phrasing, and reordering the table changes observable behavior.
package intent

import (
	"context"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avvvet/veribuddy-dispatch/internal/catalog"
	"github.com/avvvet/veribuddy-dispatch/internal/models"
)

// RoleChecker answers synchronous role lookups for permission-gated intents.
type RoleChecker interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
}

// CredentialStore validates identifier candidates and resolves a user's
// known credential types for contextual disambiguation.
type CredentialStore interface {
	CredentialExists(ctx context.Context, credentialID string) (bool, error)
	TypesForUser(ctx context.Context, userID string) ([]string, error)
}

// MatchContext is caller-supplied context a rule may consult.
type MatchContext struct {
	UserID    string
	ChannelID string
}

// Confidence levels assigned by the rule table. Empirical; carried over, not
// re-derived.
const (
	ConfidenceHigh   = 0.9
	ConfidenceMedium = 0.85
	ConfidenceLow    = 0.8
)

// AdminRole gates privileged actions. The dispatcher applies the same gate
// to actions produced by any path, not just this matcher.
const AdminRole = "admin"

type rule struct {
	intent  string
	pattern *regexp.Regexp
	// cacheable marks rules whose result depends only on the text, so a
	// positive match may be reused across users.
	cacheable bool
	build     func(m *Matcher, ctx context.Context, text string, groups []string, mc MatchContext) *models.NLPResult
}

type cachedMatch struct {
	result   models.NLPResult
	storedAt time.Time
}

// Matcher applies the rule table in declaration order; the first matching
// rule wins.
type Matcher struct {
	rules    []rule
	roles    RoleChecker
	creds    CredentialStore
	logger   zerolog.Logger
	cacheTTL time.Duration

	cacheMu sync.Mutex
	cache   map[uint64]cachedMatch
}

// NewMatcher builds a Matcher. roles and creds may be nil, in which case
// permission-gated rules deny and identifier candidates are discarded.
func NewMatcher(roles RoleChecker, creds CredentialStore, cacheTTL time.Duration, logger zerolog.Logger) *Matcher {
	m := &Matcher{
		roles:    roles,
		creds:    creds,
		logger:   logger.With().Str("component", "intent").Logger(),
		cacheTTL: cacheTTL,
		cache:    make(map[uint64]cachedMatch),
	}
	m.rules = buildRules()
	return m
}

// Match runs the rule table over text. A non-operation result means either
// no rule fired or a permission-gated rule denied; callers must treat the
// two identically unless they inspect the "error" entity.
func (m *Matcher) Match(ctx context.Context, text string, mc MatchContext) models.NLPResult {
	normalized := strings.ToLower(strings.TrimSpace(text))
	key := fnvKey(normalized)

	if cached, ok := m.cachedResult(key); ok {
		return cached
	}

	for _, r := range m.rules {
		groups := r.pattern.FindStringSubmatch(text)
		if groups == nil {
			continue
		}
		result := r.build(m, ctx, text, groups, mc)
		if result == nil {
			continue
		}
		m.logger.Debug().
			Str("intent", result.Intent).
			Bool("operation", result.IsOperation).
			Float64("confidence", result.Confidence).
			Msg("rule fired")
		if r.cacheable && result.IsOperation {
			m.storeResult(key, *result)
		}
		return *result
	}

	return models.NLPResult{IsOperation: false, Intent: "none"}
}

// ClearCache drops every cached match. Tests and rule reloads.
func (m *Matcher) ClearCache() {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cache = make(map[uint64]cachedMatch)
}

func (m *Matcher) cachedResult(key uint64) (models.NLPResult, bool) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	entry, ok := m.cache[key]
	if !ok {
		return models.NLPResult{}, false
	}
	if time.Since(entry.storedAt) > m.cacheTTL {
		delete(m.cache, key)
		return models.NLPResult{}, false
	}
	return entry.result, true
}

func (m *Matcher) storeResult(key uint64, result models.NLPResult) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cache[key] = cachedMatch{result: result, storedAt: time.Now()}
}

func fnvKey(normalized string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(normalized))
	return h.Sum64()
}

func operation(intent string, confidence float64, params map[string]string) *models.NLPResult {
	return &models.NLPResult{
		IsOperation: true,
		Confidence:  confidence,
		Intent:      intent,
		Action: &models.Action{
			Name:       intent,
			Parameters: params,
			Provenance: models.ProvenanceMatched,
		},
	}
}

func denied(intent, reason string) *models.NLPResult {
	// Permission denials look exactly like a non-match so permission
	// boundaries stay invisible to unauthorized callers.
	return &models.NLPResult{
		IsOperation: false,
		Intent:      "none",
		Entities:    map[string]string{"error": reason, "denied_intent": intent},
	}
}

var (
	uuidPattern       = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	credentialPattern = regexp.MustCompile(`(?i)credential:\s*([A-Za-z0-9_-]+)`)
)

// extractCredentialID pulls a UUID-shaped or "credential: <token>" candidate
// from text and validates it against the backing store. An unvalidated
// candidate is discarded, never passed through.
func (m *Matcher) extractCredentialID(ctx context.Context, text string) string {
	var candidates []string
	if match := uuidPattern.FindString(text); match != "" {
		if _, err := uuid.Parse(match); err == nil {
			candidates = append(candidates, match)
		}
	}
	if groups := credentialPattern.FindStringSubmatch(text); groups != nil {
		candidates = append(candidates, groups[1])
	}

	if m.creds == nil {
		return ""
	}
	for _, candidate := range candidates {
		exists, err := m.creds.CredentialExists(ctx, candidate)
		if err != nil {
			m.logger.Warn().Err(err).Str("candidate", candidate).Msg("credential lookup failed")
			continue
		}
		if exists {
			return candidate
		}
	}
	return ""
}

// resolveCredentialType disambiguates a generic "credential" phrase using the
// caller's known credential types. A contextual hit raises confidence.
func (m *Matcher) resolveCredentialType(ctx context.Context, text string, mc MatchContext) (string, bool) {
	lower := strings.ToLower(text)
	for _, t := range catalog.CredentialTypes {
		if strings.Contains(lower, strings.ReplaceAll(t, "_", " ")) || strings.Contains(lower, t) {
			return t, false
		}
	}
	if m.creds == nil || mc.UserID == "" {
		return "", false
	}
	types, err := m.creds.TypesForUser(ctx, mc.UserID)
	if err != nil {
		m.logger.Warn().Err(err).Str("user", mc.UserID).Msg("credential type lookup failed")
		return "", false
	}
	if len(types) == 1 {
		return types[0], true
	}
	return "", false
}
