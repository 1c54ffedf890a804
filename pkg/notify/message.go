package notify

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/zyztek/suna-sub004/pkg/models"
)

const maxBlockTextLength = 2900

var statusEmoji = map[models.RunStatus]string{
	models.RunStatusCompleted: ":white_check_mark:",
	models.RunStatusFailed:    ":x:",
	models.RunStatusStopped:   ":no_entry_sign:",
}

var statusLabel = map[models.RunStatus]string{
	models.RunStatusCompleted: "Run Completed",
	models.RunStatusFailed:    "Run Failed",
	models.RunStatusStopped:   "Run Stopped",
}

func runURL(runID, dashboardURL string) string {
	return fmt.Sprintf("%s/runs/%s", dashboardURL, runID)
}

// BuildStartedMessage creates Block Kit blocks for a run-started notification.
func BuildStartedMessage(runID, dashboardURL string) []goslack.Block {
	text := fmt.Sprintf(":arrows_counterclockwise: *Agent run started* — this may take a few minutes.\n<%s|View run>", runURL(runID, dashboardURL))
	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

// BuildTerminalMessage creates Block Kit blocks for a terminal notification.
func BuildTerminalMessage(run *models.AgentRun, dashboardURL string) []goslack.Block {
	emoji := statusEmoji[run.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[run.Status]
	if label == "" {
		label = "Run " + string(run.Status)
	}

	headerText := fmt.Sprintf("%s *%s*", emoji, label)
	if run.Status == models.RunStatusFailed && run.Error != "" {
		headerText += fmt.Sprintf("\n\n*Error:*\n%s", truncateForSlack(run.Error))
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		),
	}

	btn := goslack.NewButtonBlockElement("", "", goslack.NewTextBlockObject(goslack.PlainTextType, "View Run", false, false))
	btn.URL = runURL(run.RunID, dashboardURL)
	blocks = append(blocks, goslack.NewActionBlock("", btn))
	return blocks
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated — view details in dashboard)_"
}
