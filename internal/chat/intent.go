// ABOUTME: Keyword-based intent resolution for chat messages
// ABOUTME: Maps free text to at most one capability using a fixed priority order

package chat

import (
	"strings"

	"github.com/2389/coven-orchestrator/internal/task"
)

// intentRule lists the phrases that select a capability. Rules are checked
// in slice order, which is the tie-break priority.
type intentRule struct {
	capability task.Capability
	keywords   []string
}

var intentRules = []intentRule{
	{task.CapabilityTranscription, []string{"transcribe", "transcript", "what was said", "speech"}},
	{task.CapabilityVision, []string{"detect", "objects", "vision", "what do you see", "analyze frame", "visual"}},
	{task.CapabilityGeneration, []string{"summary", "pdf", "powerpoint", "pptx", "slides", "report"}},
}

// ResolveIntent returns the capability a message asks for. ok is false for
// plain conversation.
func ResolveIntent(text string) (capability task.Capability, ok bool) {
	lower := strings.ToLower(text)
	for _, rule := range intentRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.capability, true
			}
		}
	}
	return "", false
}
