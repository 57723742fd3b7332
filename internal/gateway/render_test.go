// ABOUTME: Tests for transcript HTML rendering
// ABOUTME: Checks Markdown conversion for agents and escaping for users

package gateway

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-orchestrator/internal/transcript"
)

func TestRenderTranscript(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msgs := []*transcript.Message{
		{Seq: 1, Sender: transcript.SenderUser, Text: "<script>alert(1)</script> **not bold**", Attachments: []string{"/uploads/a.mp4"}, CreatedAt: at},
		{Seq: 2, Sender: transcript.SenderAgent, Text: "Found **three** objects\n\n<script>x</script>", TaskID: "t-1", CreatedAt: at},
	}

	var buf bytes.Buffer
	require.NoError(t, renderTranscript(&buf, "conv-1", msgs))
	html := buf.String()

	assert.Contains(t, html, "<title>Conversation conv-1</title>")
	assert.Contains(t, html, `id="m1"`)
	assert.Contains(t, html, "2026-01-02T03:04:05Z")
	assert.Contains(t, html, "&lt;script&gt;alert(1)&lt;/script&gt; **not bold**")
	assert.Contains(t, html, "<code>/uploads/a.mp4</code>")
	assert.Contains(t, html, "<strong>three</strong>")
	assert.Contains(t, html, "task t-1")
	assert.NotContains(t, html, "<script>")
}

func TestRenderTranscript_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderTranscript(&buf, "empty", nil))
	assert.Contains(t, buf.String(), "No messages.")
}
