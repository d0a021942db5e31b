// Package catalog declares the closed set of actions the dispatch pipeline
// can emit. The table is built once at process start and is the single source
// of truth for both local parameter validation and the function schema
// advertised to the completion service.
package catalog

import (
	"fmt"

	"github.com/tmc/langchaingo/llms"
)

// ParamSpec describes one parameter of a catalog entry.
type ParamSpec struct {
	Name        string
	Type        string // "string" is the only wire type; enums constrain it
	Description string
	Required    bool
	Enum        []string // nil means unconstrained
}

// Entry is an immutable action descriptor.
type Entry struct {
	Name        string
	Description string
	Parameters  []ParamSpec
	AdminOnly   bool
}

// Action names. An emitted action name outside this set is a programming
// error, not a runtime condition.
const (
	BanUser             = "ban_user"
	KickUser            = "kick_user"
	MuteUser            = "mute_user"
	WarnUser            = "warn_user"
	IssueCredential     = "issue_credential"
	VerifyCredential    = "verify_credential"
	RevokeCredential    = "revoke_credential"
	ListCredentials     = "list_credentials"
	ExplainTopic        = "explain_topic"
	StartQuiz           = "start_quiz"
	UpgradeSupportTier  = "upgrade_support_tier"
	CreateSupportTicket = "create_support_ticket"
	ShowHelp            = "show_help"
)

// CredentialTypes enumerates the credential kinds the ledger can issue.
var CredentialTypes = []string{"course_completion", "membership", "moderator_badge"}

// SupportTiers enumerates valid upgrade targets.
var SupportTiers = []string{"basic", "premium", "enterprise"}

// DefaultTopic is substituted when explain_topic arrives without a topic.
// The substitution is a repair step and must be visible in telemetry.
const DefaultTopic = "decentralized identity"

var entries = []Entry{
	{
		Name:        BanUser,
		Description: "Permanently ban a user from the channel",
		Parameters: []ParamSpec{
			{Name: "user", Type: "string", Description: "Username without the leading @", Required: true},
		},
	},
	{
		Name:        KickUser,
		Description: "Remove a user from the channel without banning them",
		Parameters: []ParamSpec{
			{Name: "user", Type: "string", Description: "Username without the leading @", Required: true},
		},
	},
	{
		Name:        MuteUser,
		Description: "Temporarily mute a user in the channel",
		Parameters: []ParamSpec{
			{Name: "user", Type: "string", Description: "Username without the leading @", Required: true},
			{Name: "duration", Type: "string", Description: "Mute duration, e.g. 10m or 2h"},
		},
	},
	{
		Name:        WarnUser,
		Description: "Issue a formal warning to a user",
		Parameters: []ParamSpec{
			{Name: "user", Type: "string", Description: "Username without the leading @", Required: true},
			{Name: "reason", Type: "string", Description: "Why the warning is issued"},
		},
	},
	{
		Name:        IssueCredential,
		Description: "Issue a verifiable credential to a user",
		Parameters: []ParamSpec{
			{Name: "recipient", Type: "string", Description: "Username receiving the credential", Required: true},
			{Name: "credential_type", Type: "string", Description: "Kind of credential to issue", Required: true, Enum: CredentialTypes},
		},
	},
	{
		Name:        VerifyCredential,
		Description: "Verify an existing credential by its identifier",
		Parameters: []ParamSpec{
			{Name: "credential_id", Type: "string", Description: "Credential identifier (UUID)", Required: true},
		},
	},
	{
		Name:        RevokeCredential,
		Description: "Revoke an issued credential",
		Parameters: []ParamSpec{
			{Name: "credential_id", Type: "string", Description: "Credential identifier (UUID)", Required: true},
		},
		AdminOnly: true,
	},
	{
		Name:        ListCredentials,
		Description: "List credentials held by a user",
		Parameters: []ParamSpec{
			{Name: "user", Type: "string", Description: "Username, defaults to the caller"},
		},
	},
	{
		Name:        ExplainTopic,
		Description: "Explain an educational topic to the user",
		Parameters: []ParamSpec{
			{Name: "topic", Type: "string", Description: "Topic to explain", Required: true},
		},
	},
	{
		Name:        StartQuiz,
		Description: "Start a quiz on a topic",
		Parameters: []ParamSpec{
			{Name: "topic", Type: "string", Description: "Quiz topic, defaults to the current lesson"},
		},
	},
	{
		Name:        UpgradeSupportTier,
		Description: "Upgrade the user's support tier",
		Parameters: []ParamSpec{
			{Name: "target_tier", Type: "string", Description: "Tier to upgrade to", Required: true, Enum: SupportTiers},
		},
	},
	{
		Name:        CreateSupportTicket,
		Description: "Open a support ticket on the user's behalf",
		Parameters: []ParamSpec{
			{Name: "subject", Type: "string", Description: "Short ticket subject line", Required: true},
		},
	},
	{
		Name:        ShowHelp,
		Description: "Show the list of things the assistant can do",
	},
}

var byName = func() map[string]*Entry {
	m := make(map[string]*Entry, len(entries))
	for i := range entries {
		m[entries[i].Name] = &entries[i]
	}
	return m
}()

// Get returns the entry for name, or nil if the name is unknown.
func Get(name string) *Entry {
	return byName[name]
}

// Names returns every action name in declaration order.
func Names() []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

// All returns the full catalog in declaration order.
func All() []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Validate checks params against the entry schema for name. It returns an
// error naming the first violated constraint, or an error for an unknown
// action name.
func Validate(name string, params map[string]string) error {
	entry := Get(name)
	if entry == nil {
		return fmt.Errorf("unknown action %q", name)
	}
	for _, spec := range entry.Parameters {
		value, present := params[spec.Name]
		if !present || value == "" {
			if spec.Required {
				return fmt.Errorf("action %s: missing required parameter %q", name, spec.Name)
			}
			continue
		}
		if len(spec.Enum) > 0 && !contains(spec.Enum, value) {
			return fmt.Errorf("action %s: parameter %q must be one of %v, got %q", name, spec.Name, spec.Enum, value)
		}
	}
	for key := range params {
		if !hasParam(entry, key) {
			return fmt.Errorf("action %s: unexpected parameter %q", name, key)
		}
	}
	return nil
}

// MissingRequired returns the required parameter names absent from params.
func MissingRequired(name string, params map[string]string) []string {
	entry := Get(name)
	if entry == nil {
		return nil
	}
	var missing []string
	for _, spec := range entry.Parameters {
		if spec.Required && params[spec.Name] == "" {
			missing = append(missing, spec.Name)
		}
	}
	return missing
}

// Tools renders the whole catalog as langchaingo function-calling tools.
// The full catalog goes to the completion service on every call so the
// model's structured output stays inside catalog-defined shapes.
func Tools() []llms.Tool {
	tools := make([]llms.Tool, 0, len(entries))
	for _, e := range entries {
		properties := make(map[string]any, len(e.Parameters))
		var required []string
		for _, spec := range e.Parameters {
			prop := map[string]any{
				"type":        spec.Type,
				"description": spec.Description,
			}
			if len(spec.Enum) > 0 {
				prop["enum"] = spec.Enum
			}
			properties[spec.Name] = prop
			if spec.Required {
				required = append(required, spec.Name)
			}
		}
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        e.Name,
				Description: e.Description,
				Parameters: map[string]any{
					"type":       "object",
					"properties": properties,
					"required":   required,
				},
			},
		})
	}
	return tools
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func hasParam(entry *Entry, name string) bool {
	for _, spec := range entry.Parameters {
		if spec.Name == name {
			return true
		}
	}
	return false
}
