package out

import (
	"context"
	"errors"

	"mailworker/core/domain"
)

// MessageFormat selects how much of a message is fetched.
type MessageFormat string

const (
	// FormatFull fetches headers, snippet and decoded body text.
	FormatFull MessageFormat = "full"
	// FormatMetadata fetches only headers and snippet. Enough to re-present
	// a cached classification without the body.
	FormatMetadata MessageFormat = "metadata"
)

// BatchModifyMax is the provider's hard limit on ids per batch-modify call.
const BatchModifyMax = 100

// MailProvider is the outbound port to the remote mail provider.
type MailProvider interface {
	// Search returns message ids matching the query, paginated internally.
	// maxResults <= 0 means exhaustive.
	Search(ctx context.Context, query string, maxResults int) ([]string, error)

	// GetMessage fetches one message in the given format.
	GetMessage(ctx context.Context, messageID string, format MessageFormat) (*domain.Email, error)

	// Label operations.
	GetLabels(ctx context.Context) ([]*domain.Label, error)
	CreateLabel(ctx context.Context, name string, color *domain.LabelColor) (*domain.Label, error)
	AddLabel(ctx context.Context, messageID, labelID string) error

	// BatchModify adds/removes labels on up to BatchModifyMax messages in one
	// call. Larger id slices are rejected, not silently split.
	BatchModify(ctx context.Context, messageIDs []string, addLabelIDs, removeLabelIDs []string) error

	// CreateFilter creates a from-domain criteria filter that applies labelID.
	CreateFilter(ctx context.Context, fromPattern, labelID string) (string, error)

	ProviderName() string
}

// =============================================================================
// Provider Error
// =============================================================================

// ProviderErrorCode classifies remote failures. The retry policy dispatches
// on these codes, never on error message text.
type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrConflict     ProviderErrorCode = "conflict"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrInvalidInput ProviderErrorCode = "invalid_input"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// IsNotFound reports whether err means the remote resource is gone. Such
// items are skipped immediately, never retried.
func IsNotFound(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == ProviderErrNotFound
}

// IsConflict reports whether the remote state changed mid-operation
// (precondition failed). Retried briefly, then the item is skipped.
func IsConflict(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == ProviderErrConflict
}

// IsRetryable reports whether err is a transient remote failure.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable
}
