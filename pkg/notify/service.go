// Package notify delivers approval notifications to Slack. Delivery is
// fail-open: the approval flow never blocks on a notification, and a
// missing token or channel disables the service entirely.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cortexhq/cortex/pkg/masking"
	"github.com/cortexhq/cortex/pkg/models"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token        string
	Channel      string
	DashboardURL string

	// APIURL overrides the Slack API base URL. Used by tests.
	APIURL string

	// Masker, when set, scrubs secrets from action summaries before they
	// leave the system. The token line is never masked.
	Masker *masking.Service
}

// Service posts approval requests and their outcomes to a Slack channel.
// It satisfies services.Notifier.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client       *Client
	dashboardURL string
	masker       *masking.Service
	logger       *slog.Logger
}

// NewService creates a new Slack notification service.
// Returns nil if Token or Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	client := NewClient(cfg.Token, cfg.Channel)
	if cfg.APIURL != "" {
		client = NewClientWithAPIURL(cfg.Token, cfg.Channel, cfg.APIURL)
	}
	return &Service{
		client:       client,
		dashboardURL: cfg.DashboardURL,
		masker:       cfg.Masker,
		logger:       slog.Default().With("component", "notify"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, dashboardURL string) *Service {
	return &Service{
		client:       client,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "notify"),
	}
}

// NotifyApprovalRequested posts the pending request with approve and reject
// buttons. The returned receipt carries the message timestamp so the
// decision outcome can thread under the original ask.
func (s *Service) NotifyApprovalRequested(ctx context.Context, req *models.ApprovalRequest, plaintextToken string) (*models.NotificationReceipt, error) {
	if s == nil {
		return nil, nil
	}

	masked := *req
	masked.ActionSummary = s.mask(req.ActionSummary)
	blocks := BuildRequestMessage(&masked, plaintextToken, s.dashboardURL)

	ts, err := s.client.PostMessage(ctx, blocks, "", 5*time.Second)
	if err != nil {
		return nil, err
	}
	return &models.NotificationReceipt{
		Channel:   "slack",
		Target:    s.client.channelID,
		MessageID: ts,
		SentAt:    time.Now().UTC(),
	}, nil
}

// NotifyApprovalDecided posts the outcome, threaded under the request
// message when a delivery receipt recorded its timestamp.
func (s *Service) NotifyApprovalDecided(ctx context.Context, req *models.ApprovalRequest, result *models.DecideResult) error {
	if s == nil {
		return nil
	}

	masked := *req
	masked.ActionSummary = s.mask(req.ActionSummary)
	blocks := BuildDecidedMessage(&masked, result, s.dashboardURL)

	_, err := s.client.PostMessage(ctx, blocks, threadTS(req), 10*time.Second)
	return err
}

func (s *Service) mask(text string) string {
	if s.masker == nil {
		return text
	}
	return s.masker.Mask(text)
}

// threadTS resolves the timestamp of the request notification from the
// receipts accumulated on the request. Empty means post unthreaded.
func threadTS(req *models.ApprovalRequest) string {
	if len(req.NotificationChannels) == 0 {
		return ""
	}
	var receipts []models.NotificationReceipt
	if err := json.Unmarshal(req.NotificationChannels, &receipts); err != nil {
		return ""
	}
	for _, r := range receipts {
		if r.Channel == "slack" && r.MessageID != "" {
			return r.MessageID
		}
	}
	return ""
}
