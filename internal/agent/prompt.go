package agent

import (
	"strings"
	"time"

	"github.com/loopgate/loopgate/pkg/models"
)

// DefaultSystemPrompt is used when no prompt file is configured.
const DefaultSystemPrompt = `You are a helpful assistant reachable through chat channels.
Answer directly and keep replies focused. Use the available tools when they
help, and say so when you cannot do something.`

// channelStyleHints adjusts tone and formatting per platform. Platforms
// without an entry get no addendum.
var channelStyleHints = map[models.ChannelType]string{
	models.ChannelTelegram:   "Replies are delivered over Telegram. Keep them short and conversational. Basic formatting (bold, italics, code) is supported.",
	models.ChannelWhatsApp:   "Replies are delivered over WhatsApp. Keep them short and conversational. Avoid markdown tables and headings.",
	models.ChannelSlack:      "Replies are delivered in Slack. Use Slack-style formatting and keep messages scannable.",
	models.ChannelDiscord:    "Replies are delivered in Discord. Markdown is supported but messages are limited to about 2000 characters, so be concise.",
	models.ChannelMattermost: "Replies are delivered in Mattermost. Markdown is supported.",
	models.ChannelEmail:      "Replies are delivered by email. Write complete sentences and a clear structure; a greeting and sign-off are appropriate.",
}

// PromptBuilder assembles the system prompt for a run.
type PromptBuilder struct {
	base string
}

// NewPromptBuilder creates a builder around a base prompt. An empty base
// falls back to DefaultSystemPrompt.
func NewPromptBuilder(base string) *PromptBuilder {
	if strings.TrimSpace(base) == "" {
		base = DefaultSystemPrompt
	}
	return &PromptBuilder{base: base}
}

// Build composes the base prompt with the current date, a channel style
// hint, and an optional catalog addendum describing installable skills.
func (b *PromptBuilder) Build(channel models.ChannelType, catalogAddendum string) string {
	var sb strings.Builder
	sb.WriteString(b.base)

	sb.WriteString("\n\nToday's date is ")
	sb.WriteString(time.Now().Format("2006-01-02"))
	sb.WriteString(".")

	if hint, ok := channelStyleHints[channel]; ok {
		sb.WriteString("\n\n")
		sb.WriteString(hint)
	}

	if catalogAddendum = strings.TrimSpace(catalogAddendum); catalogAddendum != "" {
		sb.WriteString("\n\n")
		sb.WriteString(catalogAddendum)
	}

	return sb.String()
}
