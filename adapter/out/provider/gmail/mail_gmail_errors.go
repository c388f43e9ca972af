package gmail

import (
	"context"
	"errors"
	"net"
	"strings"

	"google.golang.org/api/googleapi"

	"mailworker/core/port/out"
	"mailworker/pkg/retry"
)

// wrapError translates raw API failures into typed ProviderErrors at the
// adapter boundary. Everything above this layer dispatches on the error
// code, never on message text.
func wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 400:
			if strings.Contains(apiErr.Message, "Precondition") {
				return out.NewProviderError("gmail", out.ProviderErrConflict, "precondition check failed", err, false)
			}
			return out.NewProviderError("gmail", out.ProviderErrInvalidInput, "invalid request", err, false)
		case 401:
			return out.NewProviderError("gmail", out.ProviderErrTokenExpired, "token expired", err, false)
		case 403:
			if strings.Contains(apiErr.Message, "Rate Limit") || strings.Contains(apiErr.Message, "rateLimitExceeded") {
				return out.NewProviderError("gmail", out.ProviderErrRateLimit, "rate limit exceeded", err, true)
			}
			return out.NewProviderError("gmail", out.ProviderErrAuth, "access denied", err, false)
		case 404:
			return out.NewProviderError("gmail", out.ProviderErrNotFound, "message not found", err, false)
		case 409:
			return out.NewProviderError("gmail", out.ProviderErrConflict, "resource conflict", err, false)
		case 412:
			return out.NewProviderError("gmail", out.ProviderErrConflict, "precondition check failed", err, false)
		case 429:
			return out.NewProviderError("gmail", out.ProviderErrRateLimit, "too many requests", err, true)
		case 500, 502, 503, 504:
			return out.NewProviderError("gmail", out.ProviderErrServer, "server error", err, true)
		}
		return out.NewProviderError("gmail", out.ProviderErrServer, defaultMsg, err, false)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return out.NewProviderError("gmail", out.ProviderErrNetwork, "network error", err, true)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return out.NewProviderError("gmail", out.ProviderErrServer, defaultMsg, err, true)
}

// ClassifyError maps typed provider errors onto retry kinds: transient
// failures back off, conflicts get a short budget, missing resources are
// never retried.
func ClassifyError(err error) retry.Kind {
	switch {
	case out.IsNotFound(err):
		return retry.KindNotFound
	case out.IsConflict(err):
		return retry.KindConflict
	case out.IsRetryable(err):
		return retry.KindTransient
	default:
		return retry.KindFatal
	}
}
