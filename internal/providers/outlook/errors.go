package outlook

import (
	"context"
	"errors"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/auth"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

// call runs fn with one refresh-and-retry on auth failure and classifies the result
func call[T any](ctx context.Context, a *Adapter, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return auth.Call(ctx, a.session, op, func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if err != nil {
			return v, classify(op, err)
		}
		return v, nil
	})
}

func do(ctx context.Context, a *Adapter, op string, fn func(ctx context.Context) error) error {
	_, err := call(ctx, a, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func classify(op string, err error) error {
	if mail.KindOf(err) != "" {
		return err
	}
	var odata *odataerrors.ODataError
	if errors.As(err, &odata) {
		return mail.NewError(mail.ProviderOutlook, mail.StatusKind(odata.ResponseStatusCode), op, describe(odata))
	}
	var apiErr *abstractions.ApiError
	if errors.As(err, &apiErr) {
		return mail.NewError(mail.ProviderOutlook, mail.StatusKind(apiErr.ResponseStatusCode), op, err)
	}
	return mail.NewError(mail.ProviderOutlook, mail.KindUpstreamTransient, op, err)
}

// describe surfaces the Graph error code and message, which ODataError.Error() omits
func describe(e *odataerrors.ODataError) error {
	if main := e.GetErrorEscaped(); main != nil {
		return errors.New(str(main.GetCode()) + ": " + str(main.GetMessage()))
	}
	return e
}
