// ABOUTME: HTML rendering of a conversation transcript
// ABOUTME: Agent replies are Markdown converted with goldmark; user text is escaped verbatim

package gateway

import (
	"bytes"
	"html/template"
	"io"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/coven-orchestrator/internal/transcript"
)

var transcriptTemplate = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Conversation {{.ConversationID}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 48rem; margin: 2rem auto; }
.message { border-left: 3px solid #ccc; margin: 1rem 0; padding: 0 1rem; }
.message.agent { border-color: #7c3aed; }
.meta { color: #666; font-size: 0.85rem; }
</style>
</head>
<body>
<h1>Conversation {{.ConversationID}}</h1>
{{if not .Messages}}<p>No messages.</p>{{end}}
{{range .Messages}}<div class="message {{.Sender}}" id="m{{.Seq}}">
<div class="meta">{{.Sender}} &middot; {{.Time}}{{if .TaskID}} &middot; task {{.TaskID}}{{end}}</div>
{{.Body}}
{{if .Attachments}}<ul>{{range .Attachments}}<li><code>{{.}}</code></li>{{end}}</ul>{{end}}
</div>
{{end}}</body>
</html>
`))

type renderedMessage struct {
	Seq         int64
	Sender      transcript.Sender
	Time        string
	TaskID      string
	Body        template.HTML
	Attachments []string
}

// renderTranscript writes msgs as a standalone HTML page.
func renderTranscript(w io.Writer, conversationID string, msgs []*transcript.Message) error {
	rendered := make([]renderedMessage, 0, len(msgs))
	for _, m := range msgs {
		rendered = append(rendered, renderedMessage{
			Seq:         m.Seq,
			Sender:      m.Sender,
			Time:        m.CreatedAt.UTC().Format(time.RFC3339),
			TaskID:      m.TaskID,
			Body:        messageBody(m),
			Attachments: m.Attachments,
		})
	}

	return transcriptTemplate.Execute(w, struct {
		ConversationID string
		Messages       []renderedMessage
	}{conversationID, rendered})
}

// messageBody renders agent text as Markdown. goldmark drops raw HTML by
// default, so its output is safe to embed.
func messageBody(m *transcript.Message) template.HTML {
	if m.Sender == transcript.SenderAgent {
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(m.Text), &buf); err == nil {
			return template.HTML(buf.String())
		}
	}
	return template.HTML("<p>" + template.HTMLEscapeString(m.Text) + "</p>")
}
