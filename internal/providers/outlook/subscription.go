package outlook

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/rs/zerolog/log"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

// Graph caps mail subscriptions at 4230 minutes
const subscriptionLifetime = 70 * time.Hour

// Subscription direction hints carried in the client state
const (
	HintInbox = "inbox"
	HintSent  = "sent"
)

// ValidationToken returns the subscription validation token of a handshake request.
// The caller must echo it verbatim as text/plain with status 200.
func ValidationToken(r *http.Request) (string, bool) {
	tok := r.URL.Query().Get("validationToken")
	return tok, tok != ""
}

// ClientState encodes the secret, account and direction hint as <secret>.<account>.<hint>
func ClientState(secret, accountID, hint string) string {
	return secret + "." + accountID + "." + hint
}

// ParseClientState splits a client state. The account id may itself contain dots.
func ParseClientState(state string) (secret, accountID, hint string, err error) {
	first := strings.Index(state, ".")
	last := strings.LastIndex(state, ".")
	if first <= 0 || last <= first+1 || last == len(state)-1 {
		return "", "", "", fmt.Errorf("malformed client state")
	}
	return state[:first], state[first+1 : last], state[last+1:], nil
}

// VerifyClientState checks the secret and returns the account and hint
func VerifyClientState(state, secret string) (accountID, hint string, err error) {
	got, accountID, hint, err := ParseClientState(state)
	if err != nil {
		return "", "", err
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		return "", "", fmt.Errorf("client state secret mismatch")
	}
	return accountID, hint, nil
}

// DirectionForHint maps a client state hint to a direction
func DirectionForHint(hint string) mail.Direction {
	switch hint {
	case HintSent:
		return mail.DirectionSent
	case HintInbox:
		return mail.DirectionReceived
	}
	return mail.DirectionUnknown
}

// Watch creates or renews the inbox and sent-items subscriptions.
// The cursor's SubscriptionID holds both ids as "<inbox>,<sent>".
func (a *Adapter) Watch(ctx context.Context, cur mail.SyncCursor) (mail.SyncCursor, error) {
	if a.cfg.NotificationURL == "" {
		return cur, mail.Errorf(mail.ProviderOutlook, mail.KindUnsupported, "watch", "no notification url configured")
	}
	expiry := time.Now().Add(subscriptionLifetime).UTC()

	existing := strings.Split(cur.SubscriptionID, ",")
	folders := []struct{ folder, hint string }{{"inbox", HintInbox}, {"sentitems", HintSent}}
	ids := make([]string, len(folders))
	for i, f := range folders {
		var prev string
		if i < len(existing) {
			prev = existing[i]
		}
		id, err := a.ensureSubscription(ctx, prev, f.folder, f.hint, expiry)
		if err != nil {
			return cur, err
		}
		ids[i] = id
	}

	cur.AccountID = a.cfg.AccountID
	cur.Provider = mail.ProviderOutlook
	cur.SubscriptionID = strings.Join(ids, ",")
	cur.WatchExpiry = expiry
	if cur.Watermark == "" {
		cur.Watermark = watermark(time.Now())
	}
	cur.UpdatedAt = time.Now().UTC()

	log.Info().Str("account", a.cfg.AccountID).Time("expires", expiry).Msg("outlook subscriptions registered")
	return cur, nil
}

// ensureSubscription renews id when it still exists, otherwise creates a new one
func (a *Adapter) ensureSubscription(ctx context.Context, id, folder, hint string, expiry time.Time) (string, error) {
	if id != "" {
		patch := models.NewSubscription()
		patch.SetExpirationDateTime(&expiry)
		_, err := call(ctx, a, "renew_subscription", func(ctx context.Context) (models.Subscriptionable, error) {
			return a.client.Subscriptions().BySubscriptionId(id).Patch(ctx, patch, nil)
		})
		if err == nil {
			return id, nil
		}
		if !mail.IsNotFound(err) {
			return "", err
		}
		log.Warn().Str("account", a.cfg.AccountID).Str("subscription", id).Msg("subscription gone, recreating")
	}

	sub := models.NewSubscription()
	sub.SetChangeType(ptr("created"))
	sub.SetNotificationUrl(ptr(a.cfg.NotificationURL))
	sub.SetResource(ptr(fmt.Sprintf("/users/%s/mailFolders('%s')/messages", a.cfg.UserID, folder)))
	sub.SetExpirationDateTime(&expiry)
	sub.SetClientState(ptr(ClientState(a.cfg.ClientStateSecret, a.cfg.AccountID, hint)))

	created, err := call(ctx, a, "create_subscription", func(ctx context.Context) (models.Subscriptionable, error) {
		return a.client.Subscriptions().Post(ctx, sub, nil)
	})
	if err != nil {
		return "", err
	}
	if created == nil || created.GetId() == nil {
		return "", mail.Errorf(mail.ProviderOutlook, mail.KindUpstreamTransient, "create_subscription", "empty subscription response")
	}
	return *created.GetId(), nil
}

// StopWatch deletes both subscriptions; already-expired ones are ignored
func (a *Adapter) StopWatch(ctx context.Context, cur mail.SyncCursor) error {
	for _, id := range strings.Split(cur.SubscriptionID, ",") {
		if id == "" {
			continue
		}
		err := do(ctx, a, "delete_subscription", func(ctx context.Context) error {
			return a.client.Subscriptions().BySubscriptionId(id).Delete(ctx, nil)
		})
		if err != nil && !mail.IsNotFound(err) {
			return err
		}
	}
	return nil
}
