package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/avvvet/veribuddy-dispatch/internal/catalog"
	"github.com/avvvet/veribuddy-dispatch/internal/models"
)

// decodeToolCall is the strict first parse stage: a structured function call
// whose name and arguments must decode cleanly. The returned stage is
// StageToolCall, or StageDefault when a documented repair filled in a
// missing required parameter.
func decodeToolCall(call llms.ToolCall) (*models.Action, string, error) {
	if call.FunctionCall == nil {
		return nil, "", fmt.Errorf("tool call without function call payload")
	}
	name := call.FunctionCall.Name
	if catalog.Get(name) == nil {
		return nil, "", fmt.Errorf("unknown action %q in tool call", name)
	}

	raw := map[string]any{}
	if args := call.FunctionCall.Arguments; args != "" {
		if err := json.Unmarshal([]byte(args), &raw); err != nil {
			return nil, "", fmt.Errorf("malformed tool call arguments: %w", err)
		}
	}

	params := coerceParams(raw)
	stage := models.StageToolCall
	if repairDefaults(name, params) {
		stage = models.StageDefault
	}

	if err := catalog.Validate(name, params); err != nil {
		return nil, "", err
	}
	return &models.Action{
		Name:       name,
		Parameters: params,
		Provenance: models.ProvenanceInferred,
	}, stage, nil
}

// extractAction is the lenient second stage: pull a JSON object out of free
// text and accept it if it names a catalog action.
func extractAction(content string) (*models.Action, bool) {
	jsonContent := extractJSON(content)
	if jsonContent == "" {
		return nil, false
	}

	var payload struct {
		Name       string         `json:"name"`
		Action     string         `json:"action"`
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.Unmarshal([]byte(jsonContent), &payload); err != nil {
		return nil, false
	}

	name := payload.Name
	if name == "" {
		name = strings.ToLower(payload.Action)
	}
	if catalog.Get(name) == nil {
		return nil, false
	}

	params := coerceParams(payload.Parameters)
	repairDefaults(name, params)
	if err := catalog.Validate(name, params); err != nil {
		return nil, false
	}
	return &models.Action{
		Name:       name,
		Parameters: params,
		Provenance: models.ProvenanceInferred,
	}, true
}

// extractJSON finds the outermost braces in content.
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	if start == -1 {
		return ""
	}
	end := strings.LastIndex(content, "}")
	if end == -1 || end <= start {
		return ""
	}
	return content[start : end+1]
}

// Secondary promotion rules applied only to completion output. Lower
// priority and narrower than the primary matcher: plain sentences like
// "I'll kick Bob" still become structured actions.
var promotionRules = []struct {
	name    string
	pattern *regexp.Regexp
	param   string
}{
	{catalog.KickUser, regexp.MustCompile(`(?i)\bkick(?:ing|ed)?\s+@?(\w+)`), "user"},
	{catalog.BanUser, regexp.MustCompile(`(?i)\bban(?:ning|ned)?\s+@?(\w+)`), "user"},
	{catalog.MuteUser, regexp.MustCompile(`(?i)\bmut(?:e|ing|ed)\s+@?(\w+)`), "user"},
}

// promote runs the secondary rules over free text.
func promote(content string) (*models.Action, bool) {
	for _, r := range promotionRules {
		groups := r.pattern.FindStringSubmatch(content)
		if groups == nil {
			continue
		}
		params := map[string]string{r.param: groups[1]}
		if err := catalog.Validate(r.name, params); err != nil {
			continue
		}
		return &models.Action{
			Name:       r.name,
			Parameters: params,
			Provenance: models.ProvenanceInferred,
		}, true
	}
	return nil, false
}

// repairDefaults substitutes documented defaults for missing required
// parameters of specific well-known actions. Returns true when a repair was
// applied so the caller can surface it in telemetry.
func repairDefaults(name string, params map[string]string) bool {
	repaired := false
	switch name {
	case catalog.ExplainTopic:
		if params["topic"] == "" {
			params["topic"] = catalog.DefaultTopic
			repaired = true
		}
	}
	return repaired
}

func coerceParams(raw map[string]any) map[string]string {
	params := make(map[string]string, len(raw))
	for key, value := range raw {
		if value == nil {
			continue
		}
		switch v := value.(type) {
		case string:
			if v != "" {
				params[key] = v
			}
		default:
			params[key] = fmt.Sprint(v)
		}
	}
	return params
}
