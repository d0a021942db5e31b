package llm

import (
	"strings"

	"github.com/avvvet/veribuddy-dispatch/internal/models"
	"github.com/avvvet/veribuddy-dispatch/internal/prompts"
)

// offlineRespond is the degraded-mode responder: a small keyword table with
// canned replies, used whenever the completion service is unreachable. The
// pipeline stays responsive with the service fully down.
func offlineRespond(text string) NormalizedResult {
	lower := strings.ToLower(text)

	reply := prompts.FallbackMessage
	switch {
	case containsAny(lower, "hello", "hi ", "hey", "good morning", "good evening"):
		reply = "Hello! I can help with moderation, credentials, courses and support. What do you need?"
	case containsAny(lower, "help", "what can you do"):
		reply = "I can moderate the channel (ban, kick, mute, warn), manage credentials (issue, verify, revoke, list), explain topics, run quizzes and handle support requests."
	case containsAny(lower, "credential", "did", "verifiable"):
		reply = "Verifiable credentials are signed digital attestations anchored on a ledger. Ask me to issue, verify or list credentials."
	case containsAny(lower, "course", "lesson", "learn", "quiz"):
		reply = "I can explain topics or start a quiz. Try \"explain decentralized identity\" or \"start a quiz\"."
	case containsAny(lower, "thanks", "thank you"):
		reply = "You're welcome!"
	}

	return NormalizedResult{
		Type:     models.ResultText,
		Text:     reply,
		Stage:    models.StageOffline,
		Degraded: true,
	}
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
