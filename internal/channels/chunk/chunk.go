// Package chunk splits outbound text into platform-sized pieces,
// preferring paragraph boundaries so replies stay readable.
package chunk

import (
	"strings"
	"unicode"

	"github.com/loopgate/loopgate/pkg/models"
)

// DefaultLimit is the fallback maximum chunk size in characters.
const DefaultLimit = 4000

// ChannelLimits defines message size limits per platform, set slightly
// under each platform's hard cap to leave room for formatting overhead.
var ChannelLimits = map[models.ChannelType]int{
	models.ChannelTelegram:   4000,
	models.ChannelSlack:      3000,
	models.ChannelDiscord:    1990,
	models.ChannelWhatsApp:   65000,
	models.ChannelMattermost: 16000,
	models.ChannelEmail:      100000,
	models.ChannelWebhook:    100000,
	models.ChannelWebWidget:  100000,
}

// LimitFor returns the message size limit for a channel type.
func LimitFor(channel models.ChannelType) int {
	if limit, ok := ChannelLimits[channel]; ok {
		return limit
	}
	return DefaultLimit
}

// Split breaks text into chunks of at most limit characters. Breaks land
// on paragraph boundaries when possible, then single newlines, then
// whitespace, then a hard cut.
func Split(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text

	for len(remaining) > limit {
		window := remaining[:limit]

		breakIdx := strings.LastIndex(window, "\n\n")
		if breakIdx <= 0 {
			breakIdx = strings.LastIndexByte(window, '\n')
		}
		if breakIdx <= 0 {
			breakIdx = lastWhitespace(window)
		}
		if breakIdx <= 0 {
			breakIdx = limit // hard cut
		}

		chunk := strings.TrimRight(remaining[:breakIdx], " \t\n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimLeft(remaining[breakIdx:], " \t\n")
	}

	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// ForChannel splits text using the channel's default limit.
func ForChannel(text string, channel models.ChannelType) []string {
	return Split(text, LimitFor(channel))
}

func lastWhitespace(window string) int {
	for i := len(window) - 1; i >= 0; i-- {
		if unicode.IsSpace(rune(window[i])) {
			return i
		}
	}
	return -1
}
