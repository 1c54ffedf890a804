// Package contextmgr shrinks a thread's message history to fit a model's
// context window while keeping the latest turns verbatim. The package is
// pure: no I/O, deterministic for a given input.
package contextmgr

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/zyztek/suna-sub004/pkg/models"
)

// charsPerToken is the approximate number of characters per token for
// English text. Used for threshold estimation only — not exact counting.
const charsPerToken = 4

// DefaultThreshold is the initial per-message compression threshold in
// tokens. Halved on each compression round.
const DefaultThreshold = 4096

// recentMaxTokens caps the most recent message of each class. Larger than
// the per-message threshold so the model always sees the newest turn in
// near-full fidelity.
const recentMaxTokens = 20000

// maxCompressionRounds bounds the threshold-halving recursion.
const maxCompressionRounds = 5

// MaxMessages is the hard cap on history length, enforced by middle
// omission after compression.
const MaxMessages = 320

// minRetained is the smallest history the middle-omit fallback will leave.
const minRetained = 12

// omitBatchSize is how many middle messages one omission round removes.
const omitBatchSize = 10

// TokenBudget returns the input-token budget for a model family.
func TokenBudget(model string) int {
	name := strings.ToLower(model)
	switch {
	case strings.Contains(name, "sonnet"), strings.Contains(name, "claude"):
		return 108_000
	case strings.Contains(name, "gpt"):
		return 100_000
	case strings.Contains(name, "gemini"):
		return 700_000
	case strings.Contains(name, "deepseek"):
		return 100_000
	default:
		return 31_000
	}
}

// EstimateTokens approximates the token count of text at ~4 characters per
// token, rounding up. Byte-based, so multi-byte content overestimates — the
// safe direction, compression just triggers slightly earlier.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// CountTokens sums the estimated tokens across message contents.
func CountTokens(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(string(m.Content))
	}
	return total
}

// Compress returns a history that fits the model's budget. threshold <= 0
// uses DefaultThreshold. The input slice is never mutated.
func Compress(messages []models.Message, model string, threshold int) []models.Message {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	budget := TokenBudget(model)

	msgs := stripToolMeta(messages)
	if CountTokens(msgs) <= budget && len(msgs) <= MaxMessages {
		return msgs
	}

	for round := 0; round < maxCompressionRounds && CountTokens(msgs) > budget; round++ {
		msgs = compressPass(msgs, threshold)
		threshold /= 2
		if threshold == 0 {
			break
		}
	}

	if CountTokens(msgs) > budget {
		msgs = omitMiddle(msgs, func(m []models.Message) bool {
			return CountTokens(m) <= budget
		})
	}

	if len(msgs) > MaxMessages {
		msgs = omitMiddle(msgs, func(m []models.Message) bool {
			return len(m) <= MaxMessages
		})
	}

	return msgs
}

// stripToolMeta removes argument bodies from tool-execution messages. The
// arguments are reconstructable from the preceding assistant message, so
// they are pure context-window weight.
func stripToolMeta(messages []models.Message) []models.Message {
	out := make([]models.Message, len(messages))
	copy(out, messages)

	for i, m := range out {
		if m.Type != models.MessageTypeTool {
			continue
		}
		var content map[string]any
		if err := json.Unmarshal(m.Content, &content); err != nil {
			continue
		}
		exec, ok := content["tool_execution"].(map[string]any)
		if !ok {
			continue
		}
		if _, has := exec["arguments"]; !has {
			continue
		}
		delete(exec, "arguments")
		if raw, err := json.Marshal(content); err == nil {
			out[i].Content = raw
		}
	}
	return out
}

// compressPass compresses one class of messages at a time — tool results
// first, then user, then assistant — always sparing the most recent message
// of each class, which is mid-truncated to the larger fixed cap instead.
func compressPass(msgs []models.Message, threshold int) []models.Message {
	out := make([]models.Message, len(msgs))
	copy(out, msgs)

	for _, msgType := range []string{models.MessageTypeTool, models.MessageTypeUser, models.MessageTypeAssistant} {
		latest := latestIndexOfType(out, msgType)
		for i, m := range out {
			if m.Type != msgType {
				continue
			}
			if i == latest {
				out[i].Content = midTruncate(m.Content, recentMaxTokens*charsPerToken)
				continue
			}
			if EstimateTokens(string(m.Content)) > threshold {
				out[i].Content = headTruncate(m.Content, m.MessageID, threshold*charsPerToken)
			}
		}
	}
	return out
}

func latestIndexOfType(msgs []models.Message, msgType string) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == msgType {
			return i
		}
	}
	return -1
}

// headTruncate keeps the head of the content and appends a reference the
// model can use to request the full message.
func headTruncate(content json.RawMessage, messageID string, maxChars int) json.RawMessage {
	return truncateContent(content, func(text string) string {
		if len(text) <= maxChars {
			return text
		}
		cut := runeSafeCut(text, maxChars)
		return text[:cut] + fmt.Sprintf(
			`... (truncated, full content available via <message_id=%q>)`, messageID)
	})
}

// midTruncate keeps the head and tail of the content, omitting the middle.
func midTruncate(content json.RawMessage, maxChars int) json.RawMessage {
	return truncateContent(content, func(text string) string {
		if len(text) <= maxChars {
			return text
		}
		half := maxChars / 2
		headCut := runeSafeCut(text, half)
		tailStart := runeSafeStart(text, len(text)-half)
		return text[:headCut] + "\n... (middle omitted) ...\n" + text[tailStart:]
	})
}

// truncateContent applies fn to the text payload of a message. Conversational
// messages ({role, content}) keep their envelope with only the inner text
// rewritten; everything else is treated as raw text and re-encoded as a JSON
// string so the result stays valid JSON.
func truncateContent(content json.RawMessage, fn func(string) string) json.RawMessage {
	var mc models.MessageContent
	if err := json.Unmarshal(content, &mc); err == nil && mc.Content != "" {
		truncated := fn(mc.Content)
		if truncated == mc.Content {
			return content
		}
		mc.Content = truncated
		if raw, err := json.Marshal(mc); err == nil {
			return raw
		}
		return content
	}

	text := string(content)
	truncated := fn(text)
	if truncated == text {
		return content
	}
	raw, err := json.Marshal(truncated)
	if err != nil {
		return content
	}
	return raw
}

// omitMiddle removes batches of messages from the middle of the history,
// preserving the first message and the most recent ones, until fits reports
// true or the minimum retained count is reached.
func omitMiddle(msgs []models.Message, fits func([]models.Message) bool) []models.Message {
	out := make([]models.Message, len(msgs))
	copy(out, msgs)

	for !fits(out) && len(out) > minRetained {
		batch := omitBatchSize
		if len(out)-batch < minRetained {
			batch = len(out) - minRetained
		}
		mid := len(out) / 2
		start := mid - batch/2
		if start < 1 {
			start = 1
		}
		out = append(out[:start:start], out[start+batch:]...)
	}
	return out
}

// runeSafeCut returns a cut position <= max that does not split a UTF-8
// sequence.
func runeSafeCut(s string, max int) int {
	if max >= len(s) {
		return len(s)
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return cut
}

// runeSafeStart returns a start position >= min aligned to a rune boundary.
func runeSafeStart(s string, min int) int {
	if min <= 0 {
		return 0
	}
	start := min
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return start
}
