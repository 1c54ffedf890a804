package contextmgr

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyztek/suna-sub004/pkg/models"
)

func textMessage(t *testing.T, id, msgType, role, text string) models.Message {
	t.Helper()
	content, err := json.Marshal(models.MessageContent{Role: role, Content: text})
	require.NoError(t, err)
	return models.Message{MessageID: id, Type: msgType, Role: role, Content: content, IsLLMMessage: true}
}

func toolMessage(t *testing.T, id string, args map[string]any, output string) models.Message {
	t.Helper()
	content, err := json.Marshal(models.ToolExecutionContent{ToolExecution: models.ToolExecution{
		FunctionName: "grep",
		Arguments:    args,
		Result:       models.ToolResult{Success: true, Output: output},
	}})
	require.NoError(t, err)
	return models.Message{MessageID: id, Type: models.MessageTypeTool, Content: content, IsLLMMessage: true}
}

func TestTokenBudget(t *testing.T) {
	assert.Equal(t, 108_000, TokenBudget("claude-sonnet-4"))
	assert.Equal(t, 108_000, TokenBudget("anthropic/claude-3-haiku"))
	assert.Equal(t, 100_000, TokenBudget("gpt-4o"))
	assert.Equal(t, 700_000, TokenBudget("gemini-2.5-pro"))
	assert.Equal(t, 100_000, TokenBudget("deepseek-chat"))
	assert.Equal(t, 31_000, TokenBudget("some-local-model"))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

func TestCompress_UnderBudgetUnchangedExceptToolMeta(t *testing.T) {
	msgs := []models.Message{
		textMessage(t, "m1", models.MessageTypeUser, "user", "hello"),
		textMessage(t, "m2", models.MessageTypeAssistant, "assistant", "hi there"),
	}

	out := Compress(msgs, "claude-sonnet-4", 0)
	require.Len(t, out, 2)
	assert.Equal(t, msgs[0].Content, out[0].Content)
	assert.Equal(t, msgs[1].Content, out[1].Content)
}

func TestCompress_StripsToolArguments(t *testing.T) {
	msgs := []models.Message{
		textMessage(t, "m1", models.MessageTypeUser, "user", "search for TODO"),
		toolMessage(t, "m2", map[string]any{"pattern": "TODO", "path": "/src"}, "3 matches"),
	}

	out := Compress(msgs, "claude-sonnet-4", 0)

	var content map[string]any
	require.NoError(t, json.Unmarshal(out[1].Content, &content))
	exec := content["tool_execution"].(map[string]any)
	assert.NotContains(t, exec, "arguments")
	assert.Equal(t, "grep", exec["function_name"])

	// The input slice is untouched.
	var original map[string]any
	require.NoError(t, json.Unmarshal(msgs[1].Content, &original))
	assert.Contains(t, original["tool_execution"].(map[string]any), "arguments")
}

func TestCompress_HeadTruncatesOldMessages(t *testing.T) {
	big := strings.Repeat("x", 500_000)
	msgs := []models.Message{
		textMessage(t, "sys", models.MessageTypeUser, "user", "start"),
		toolMessage(t, "old-tool", nil, big),
		textMessage(t, "u2", models.MessageTypeUser, "user", "next question"),
		toolMessage(t, "new-tool", nil, big),
	}

	out := Compress(msgs, "claude-sonnet-4", 0)
	require.Len(t, out, 4)

	var preview string
	require.NoError(t, json.Unmarshal(out[1].Content, &preview),
		"non-conversational content is re-encoded as a JSON string after truncation")
	assert.Less(t, len(preview), len(big))
	assert.Contains(t, preview, `<message_id="old-tool">`, "old tool result carries its reference")

	assert.LessOrEqual(t, CountTokens(out), TokenBudget("claude-sonnet-4"))
}

func TestCompress_MostRecentMidTruncated(t *testing.T) {
	big := strings.Repeat("line one\n", 60_000)
	msgs := []models.Message{
		textMessage(t, "u1", models.MessageTypeUser, "user", "go"),
		textMessage(t, "a1", models.MessageTypeAssistant, "assistant", big),
	}

	out := Compress(msgs, "gpt-4o", 0)

	var mc models.MessageContent
	require.NoError(t, json.Unmarshal(out[1].Content, &mc))
	assert.Contains(t, mc.Content, "(middle omitted)")
	assert.True(t, strings.HasPrefix(mc.Content, "line one"))
	assert.True(t, strings.HasSuffix(mc.Content, "line one\n"))
	assert.NotContains(t, mc.Content, "message_id", "the newest turn never gets the expand reference")
}

func TestCompress_MiddleOmitFallback(t *testing.T) {
	// Many mid-sized messages: per-message compression cannot get under the
	// 31k budget of an unknown model, so middle omission kicks in.
	var msgs []models.Message
	msgs = append(msgs, textMessage(t, "sys", models.MessageTypeUser, "user", "system-ish first message"))
	for i := 0; i < 200; i++ {
		msgs = append(msgs, textMessage(t, fmt.Sprintf("m%d", i), models.MessageTypeUser, "user",
			strings.Repeat("words ", 800)))
	}

	out := Compress(msgs, "unknown-model", 0)
	assert.LessOrEqual(t, CountTokens(out), TokenBudget("unknown-model"))
	assert.Equal(t, "sys", out[0].MessageID, "first message survives omission")
	assert.Equal(t, "m199", out[len(out)-1].MessageID, "newest message survives omission")
	assert.GreaterOrEqual(t, len(out), minRetained)
}

func TestCompress_MessageCountCap(t *testing.T) {
	var msgs []models.Message
	for i := 0; i < 400; i++ {
		msgs = append(msgs, textMessage(t, fmt.Sprintf("m%d", i), models.MessageTypeUser, "user", "short"))
	}

	out := Compress(msgs, "gemini-2.5-pro", 0)
	assert.LessOrEqual(t, len(out), MaxMessages)
	assert.Equal(t, "m0", out[0].MessageID)
	assert.Equal(t, "m399", out[len(out)-1].MessageID)
}

func TestCompress_Deterministic(t *testing.T) {
	big := strings.Repeat("data ", 100_000)
	msgs := []models.Message{
		textMessage(t, "u1", models.MessageTypeUser, "user", big),
		textMessage(t, "a1", models.MessageTypeAssistant, "assistant", big),
		textMessage(t, "u2", models.MessageTypeUser, "user", big),
	}

	first := Compress(msgs, "claude-sonnet-4", 0)
	second := Compress(msgs, "claude-sonnet-4", 0)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, string(first[i].Content), string(second[i].Content))
	}
}
