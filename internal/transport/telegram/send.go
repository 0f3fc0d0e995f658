package telegram

import "strings"

// chunkMessage splits a message into chunks that fit within Telegram's
// message size limit, preferring to cut at a newline so a chunk doesn't
// split mid-sentence when one exists past the halfway point.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}

// toTelegramMarkdown is a pass-through: Send already retries as plain text
// on a markdown parse failure, so no escaping is attempted here.
func toTelegramMarkdown(text string) string {
	return text
}
