package notify

import (
	"fmt"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/cortexhq/cortex/pkg/models"
	"github.com/cortexhq/cortex/pkg/tokens"
)

const maxBlockTextLength = 2900

var riskEmoji = map[models.RiskLevel]string{
	models.RiskP0: ":rotating_light:",
	models.RiskP1: ":warning:",
	models.RiskP2: ":large_orange_diamond:",
	models.RiskP3: ":large_blue_diamond:",
}

var outcomeEmoji = map[models.ApprovalStatus]string{
	models.ApprovalStatusApproved: ":white_check_mark:",
	models.ApprovalStatusRejected: ":no_entry_sign:",
	models.ApprovalStatusExpired:  ":hourglass:",
}

var outcomeLabel = map[models.ApprovalStatus]string{
	models.ApprovalStatusApproved: "Approved",
	models.ApprovalStatusRejected: "Rejected",
	models.ApprovalStatusExpired:  "Expired",
}

func approvalURL(requestID, dashboardURL string) string {
	return fmt.Sprintf("%s/approvals/%s", dashboardURL, requestID)
}

// BuildRequestMessage creates Block Kit blocks for a pending approval: the
// gated action with its risk tier, job and expiry context, approve and
// reject buttons carrying the compact callback payload, and the single-use
// token for the decide-by-token endpoint.
func BuildRequestMessage(req *models.ApprovalRequest, plaintextToken, dashboardURL string) []goslack.Block {
	emoji := riskEmoji[req.RiskLevel]
	if emoji == "" {
		emoji = ":question:"
	}
	header := fmt.Sprintf("%s *Approval required* (%s)\n%s",
		emoji, req.RiskLevel, truncateForSlack(req.ActionSummary))

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false),
			nil, nil,
		),
	}

	fields := []*goslack.TextBlockObject{
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Action:*\n%s", req.ActionType), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Job:*\n%s", req.JobID), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Agent:*\n%s", req.AgentID), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Expires:*\n%s", req.ExpiresAt.UTC().Format(time.RFC3339)), false, false),
	}
	blocks = append(blocks, goslack.NewSectionBlock(nil, fields, nil))

	// The buttons carry the compact apr:<a|r|d>:<hex> payload; whatever
	// receives the interaction resolves it back to a request id.
	// FormatCallbackData only fails on a non-uuid id, which the store
	// never produces.
	var elements []goslack.BlockElement
	if data, err := tokens.FormatCallbackData(tokens.CallbackApprove, req.ID); err == nil {
		btn := goslack.NewButtonBlockElement("approve", data,
			goslack.NewTextBlockObject(goslack.PlainTextType, "Approve", false, false))
		btn.Style = goslack.StylePrimary
		elements = append(elements, btn)
	}
	if data, err := tokens.FormatCallbackData(tokens.CallbackReject, req.ID); err == nil {
		btn := goslack.NewButtonBlockElement("reject", data,
			goslack.NewTextBlockObject(goslack.PlainTextType, "Reject", false, false))
		btn.Style = goslack.StyleDanger
		elements = append(elements, btn)
	}
	details := goslack.NewButtonBlockElement("details", detailsValue(req.ID),
		goslack.NewTextBlockObject(goslack.PlainTextType, "View Details", false, false))
	details.URL = approvalURL(req.ID, dashboardURL)
	elements = append(elements, details)
	blocks = append(blocks, goslack.NewActionBlock("", elements...))

	if plaintextToken != "" {
		blocks = append(blocks, goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType,
				fmt.Sprintf("Decide by token: `%s`", plaintextToken), false, false),
		))
	}

	return blocks
}

// BuildDecidedMessage creates Block Kit blocks announcing the outcome of an
// approval request.
func BuildDecidedMessage(req *models.ApprovalRequest, result *models.DecideResult, dashboardURL string) []goslack.Block {
	emoji := outcomeEmoji[result.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := outcomeLabel[result.Status]
	if label == "" {
		label = string(result.Status)
	}

	text := fmt.Sprintf("%s *%s*", emoji, label)
	if result.DecidedBy != "" {
		text += fmt.Sprintf(" by %s", result.DecidedBy)
	}
	text += "\n" + truncateForSlack(req.ActionSummary)

	btn := goslack.NewButtonBlockElement("", "",
		goslack.NewTextBlockObject(goslack.PlainTextType, "View Details", false, false))
	btn.URL = approvalURL(req.ID, dashboardURL)

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
		goslack.NewActionBlock("", btn),
	}
}

func detailsValue(requestID string) string {
	data, err := tokens.FormatCallbackData(tokens.CallbackDetails, requestID)
	if err != nil {
		return ""
	}
	return data
}

// truncateForSlack keeps block text under Slack's 3000-char limit without
// splitting a multi-byte rune.
func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	runes := []rune(text)
	if len(runes) > maxBlockTextLength {
		runes = runes[:maxBlockTextLength]
	}
	return string(runes) + "\n\n_... (truncated — view details in dashboard)_"
}
