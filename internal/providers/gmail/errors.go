package gmail

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"google.golang.org/api/googleapi"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/auth"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 || (counts.Requests >= 10 && failureRatio >= 0.6)
		},
		// auth, not-found and rejected requests say nothing about upstream health
		IsSuccessful: func(err error) bool {
			return err == nil || !mail.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
}

// call runs fn through the session's refresh-and-retry budget and the breaker,
// classifying whatever comes back.
func call[T any](ctx context.Context, a *Adapter, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return auth.Call(ctx, a.session, op, func(ctx context.Context) (T, error) {
		v, err := a.cb.Execute(func() (interface{}, error) {
			v, err := fn(ctx)
			if err != nil {
				return v, classify(op, err)
			}
			return v, nil
		})
		if err != nil {
			var zero T
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return zero, mail.NewError(mail.ProviderGmail, mail.KindUpstreamTransient, op, err)
			}
			return zero, err
		}
		return v.(T), nil
	})
}

// classify maps a Gmail API error onto the shared error kinds
func classify(op string, err error) error {
	if mail.KindOf(err) != "" {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		kind := mail.StatusKind(gerr.Code)
		if gerr.Code == 403 && rateLimited(gerr) {
			kind = mail.KindUpstreamTransient
		}
		return mail.NewError(mail.ProviderGmail, kind, op, err)
	}
	return mail.NewError(mail.ProviderGmail, mail.KindUpstreamTransient, op, err)
}

func rateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}
