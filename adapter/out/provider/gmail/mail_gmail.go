// Package gmail adapts the Gmail API to the MailProvider port. Every remote
// call runs through the quota limiter, the circuit breaker and the shared
// retry policy, and every failure surfaces as a typed ProviderError.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/pkg/logger"
	"mailworker/pkg/ratelimit"
	"mailworker/pkg/retry"
)

// metadataHeaders are the only headers requested in metadata format.
var metadataHeaders = []string{"From", "To", "Subject", "Date"}

// ClientConfig tunes the Gmail client.
type ClientConfig struct {
	UserID            string
	SearchPageSize    int64
	RequestsPerSecond int
	RetryMaxAttempts  int
	RetryConflicts    int
	RetryBaseDelay    time.Duration
}

// DefaultClientConfig returns production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		UserID:            "me",
		SearchPageSize:    500,
		RequestsPerSecond: 20,
		RetryMaxAttempts:  3,
		RetryConflicts:    2,
		RetryBaseDelay:    500 * time.Millisecond,
	}
}

// Client implements out.MailProvider over the Gmail API.
type Client struct {
	svc      *gmail.Service
	userID   string
	pageSize int64
	limiter  *ratelimit.Limiter
	cb       *gobreaker.CircuitBreaker
	retry    *retry.Policy
	log      *logger.Logger
}

var _ out.MailProvider = (*Client)(nil)

// NewClient builds a client over an authorized HTTP client.
func NewClient(ctx context.Context, httpClient option.ClientOption, cfg ClientConfig) (*Client, error) {
	svc, err := gmail.NewService(ctx, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return newClient(svc, cfg), nil
}

func newClient(svc *gmail.Service, cfg ClientConfig) *Client {
	if cfg.UserID == "" {
		cfg.UserID = "me"
	}
	if cfg.SearchPageSize <= 0 {
		cfg.SearchPageSize = 500
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}

	log := logger.WithField("component", "gmail_client")

	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker %s: %s -> %s", name, from.String(), to.String())
		},
	}

	return &Client{
		svc:      svc,
		userID:   cfg.UserID,
		pageSize: cfg.SearchPageSize,
		limiter:  ratelimit.New(cfg.RequestsPerSecond, time.Second),
		cb:       gobreaker.NewCircuitBreaker(cbSettings),
		retry:    retry.NewPolicy(cfg.RetryMaxAttempts, cfg.RetryConflicts, cfg.RetryBaseDelay, ClassifyError),
		log:      log,
	}
}

// ProviderName identifies this provider.
func (c *Client) ProviderName() string {
	return "gmail"
}

// call runs one remote operation through the limiter, the breaker and the
// retry policy.
func (c *Client) call(ctx context.Context, fn func() error) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := c.cb.Execute(func() (any, error) {
			if err := fn(); err != nil {
				return nil, wrapError(err, "gmail call failed")
			}
			return nil, nil
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return out.NewProviderError("gmail", out.ProviderErrServer, "circuit breaker open", err, true)
		}
		return err
	})
}

// Search returns message ids matching query, newest first as the API
// returns them. maxResults <= 0 walks every page.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]string, error) {
	var ids []string
	pageToken := ""

	for {
		pageSize := c.pageSize
		if maxResults > 0 {
			remaining := int64(maxResults - len(ids))
			if remaining <= 0 {
				break
			}
			if remaining < pageSize {
				pageSize = remaining
			}
		}

		var resp *gmail.ListMessagesResponse
		err := c.call(ctx, func() error {
			req := c.svc.Users.Messages.List(c.userID).
				Q(query).
				MaxResults(pageSize).
				Context(ctx)
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			var callErr error
			resp, callErr = req.Do()
			return callErr
		})
		if err != nil {
			return nil, err
		}

		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	c.log.WithField("count", len(ids)).Debug("search complete: %q", query)
	return ids, nil
}

// GetMessage fetches one message in the requested format.
func (c *Client) GetMessage(ctx context.Context, messageID string, format out.MessageFormat) (*domain.Email, error) {
	var msg *gmail.Message
	err := c.call(ctx, func() error {
		req := c.svc.Users.Messages.Get(c.userID, messageID).Context(ctx)
		switch format {
		case out.FormatMetadata:
			req = req.Format("metadata").MetadataHeaders(metadataHeaders...)
		default:
			req = req.Format("full")
		}
		var callErr error
		msg, callErr = req.Do()
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return parseMessage(msg), nil
}

// GetLabels lists all labels in the mailbox.
func (c *Client) GetLabels(ctx context.Context) ([]*domain.Label, error) {
	var resp *gmail.ListLabelsResponse
	err := c.call(ctx, func() error {
		var callErr error
		resp, callErr = c.svc.Users.Labels.List(c.userID).Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return nil, err
	}

	labels := make([]*domain.Label, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		labels = append(labels, &domain.Label{
			ID:   l.Id,
			Name: l.Name,
			Type: strings.ToLower(l.Type),
		})
	}
	return labels, nil
}

// CreateLabel creates a user label. A concurrent create by another run is
// recovered by looking the name up again.
func (c *Client) CreateLabel(ctx context.Context, name string, color *domain.LabelColor) (*domain.Label, error) {
	labelObj := &gmail.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}
	if color != nil {
		labelObj.Color = &gmail.LabelColor{
			TextColor:       color.TextColor,
			BackgroundColor: color.BackgroundColor,
		}
	}

	var created *gmail.Label
	err := c.call(ctx, func() error {
		var callErr error
		created, callErr = c.svc.Users.Labels.Create(c.userID, labelObj).Context(ctx).Do()
		return callErr
	})
	if err == nil {
		return &domain.Label{ID: created.Id, Name: created.Name, Type: "user"}, nil
	}

	if out.IsConflict(err) {
		labels, listErr := c.GetLabels(ctx)
		if listErr != nil {
			return nil, listErr
		}
		for _, l := range labels {
			if l.Name == name {
				return l, nil
			}
		}
	}
	return nil, err
}

// AddLabel applies one label to one message.
func (c *Client) AddLabel(ctx context.Context, messageID, labelID string) error {
	return c.call(ctx, func() error {
		_, err := c.svc.Users.Messages.Modify(c.userID, messageID, &gmail.ModifyMessageRequest{
			AddLabelIds: []string{labelID},
		}).Context(ctx).Do()
		return err
	})
}

// BatchModify adds/removes labels on up to BatchModifyMax messages in one
// call.
func (c *Client) BatchModify(ctx context.Context, messageIDs []string, addLabelIDs, removeLabelIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if len(messageIDs) > out.BatchModifyMax {
		return out.NewProviderError("gmail", out.ProviderErrInvalidInput,
			fmt.Sprintf("batch modify limited to %d ids, got %d", out.BatchModifyMax, len(messageIDs)),
			nil, false)
	}

	return c.call(ctx, func() error {
		return c.svc.Users.Messages.BatchModify(c.userID, &gmail.BatchModifyMessagesRequest{
			Ids:            messageIDs,
			AddLabelIds:    addLabelIDs,
			RemoveLabelIds: removeLabelIDs,
		}).Context(ctx).Do()
	})
}

// CreateFilter creates a from-pattern filter that applies labelID.
func (c *Client) CreateFilter(ctx context.Context, fromPattern, labelID string) (string, error) {
	var created *gmail.Filter
	err := c.call(ctx, func() error {
		var callErr error
		created, callErr = c.svc.Users.Settings.Filters.Create(c.userID, &gmail.Filter{
			Criteria: &gmail.FilterCriteria{From: fromPattern},
			Action:   &gmail.FilterAction{AddLabelIds: []string{labelID}},
		}).Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return "", err
	}
	return created.Id, nil
}

// parseMessage converts an API message into the domain shape.
func parseMessage(msg *gmail.Message) *domain.Email {
	email := &domain.Email{
		MessageID: msg.Id,
		ThreadID:  msg.ThreadId,
		Snippet:   msg.Snippet,
		LabelIDs:  msg.LabelIds,
	}
	if msg.InternalDate > 0 {
		email.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	}

	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "From":
				email.Sender = h.Value
			case "To":
				email.Receiver = h.Value
			case "Subject":
				email.Subject = h.Value
			}
		}
		email.BodyText = parseBody(msg.Payload)
	}
	return email
}

// parseBody walks the MIME tree and returns the first decodable text/plain
// part, falling back to text/html.
func parseBody(payload *gmail.MessagePart) string {
	if text := findPart(payload, "text/plain"); text != "" {
		return text
	}
	return findPart(payload, "text/html")
}

func findPart(part *gmail.MessagePart, mimeType string) string {
	if part == nil {
		return ""
	}
	if part.MimeType == mimeType && part.Body != nil && part.Body.Data != "" {
		decoded, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err != nil {
			decoded, err = base64.RawURLEncoding.DecodeString(part.Body.Data)
			if err != nil {
				return ""
			}
		}
		return string(decoded)
	}
	for _, p := range part.Parts {
		if text := findPart(p, mimeType); text != "" {
			return text
		}
	}
	return ""
}
