// ABOUTME: Agent reply texts written to the transcript
// ABOUTME: Renders terminal task snapshots as user-facing chat messages

package chat

import (
	"fmt"

	"github.com/2389/coven-orchestrator/internal/task"
)

const genericReply = "I can help you analyze videos! Upload a video and ask me to transcribe, detect objects, or generate a summary."

func attachmentNeededReply(capability task.Capability) string {
	return fmt.Sprintf("Please attach a video or file reference so I can run %s.", capability)
}

// finalReply renders a terminal task. Successful results are also returned
// as attachments.
func finalReply(t *task.Task) (text string, attachments []string) {
	switch t.State {
	case task.StateSucceeded:
		text = fmt.Sprintf("Done! %s result is ready: %s", t.Capability, t.Result)
		if t.Result != "" {
			attachments = []string{t.Result}
		}
	case task.StateFailed:
		kind, msg := task.Kind("Unknown"), "no details"
		if t.Err != nil {
			kind, msg = t.Err.Kind, t.Err.Message
		}
		text = fmt.Sprintf("Sorry, the %s task failed (%s): %s", t.Capability, kind, msg)
	case task.StateCancelled:
		text = fmt.Sprintf("The %s task was cancelled.", t.Capability)
	default:
		text = fmt.Sprintf("The %s task ended in state %s.", t.Capability, t.State)
	}
	return text, attachments
}
