package reconcile

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/providers/outlook"
)

// pubsubPush is the Pub/Sub push envelope
type pubsubPush struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailChange is the decoded envelope data
type gmailChange struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

func malformed(p mail.Provider, format string, args ...any) error {
	return mail.Errorf(p, mail.KindMalformedWebhook, "parse_notification", format, args...)
}

// ParseGmailPush decodes a Pub/Sub push body into a notification keyed by mailbox and history id
func ParseGmailPush(body []byte) (mail.Notification, error) {
	var push pubsubPush
	if err := json.Unmarshal(body, &push); err != nil {
		return mail.Notification{}, malformed(mail.ProviderGmail, "invalid envelope: %v", err)
	}
	if push.Message.Data == "" {
		return mail.Notification{}, malformed(mail.ProviderGmail, "missing message.data")
	}
	data, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		if data, err = base64.URLEncoding.DecodeString(push.Message.Data); err != nil {
			return mail.Notification{}, malformed(mail.ProviderGmail, "message.data is not base64")
		}
	}

	var change gmailChange
	if err := json.Unmarshal(data, &change); err != nil {
		return mail.Notification{}, malformed(mail.ProviderGmail, "invalid change payload: %v", err)
	}
	// historyId arrives as a number but some relays stringify it
	history := strings.Trim(string(change.HistoryID), `"`)
	if change.EmailAddress == "" || history == "" || history == "null" {
		return mail.Notification{}, malformed(mail.ProviderGmail, "missing emailAddress or historyId")
	}
	if _, err := strconv.ParseUint(history, 10, 64); err != nil {
		return mail.Notification{}, malformed(mail.ProviderGmail, "historyId %q is not numeric", history)
	}

	return mail.Notification{
		Provider:     mail.ProviderGmail,
		AccountHint:  strings.ToLower(change.EmailAddress),
		ResourceID:   strings.ToLower(change.EmailAddress),
		ChangeType:   "history",
		ChangeVector: history,
		ReceivedAt:   time.Now().UTC(),
	}, nil
}

// graphNotifications is the Graph change notification collection
type graphNotifications struct {
	Value []graphNotification `json:"value"`
}

type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ClientState    string `json:"clientState"`
	ResourceData   *struct {
		ODataType string `json:"@odata.type"`
		ODataID   string `json:"@odata.id"`
		ETag      string `json:"@odata.etag"`
		ID        string `json:"id"`
	} `json:"resourceData"`
}

// ParseOutlookNotifications decodes a Graph notification array.
// A structurally incomplete item rejects the whole delivery; items whose client state
// does not verify are dropped.
func ParseOutlookNotifications(body []byte, secret string) ([]mail.Notification, error) {
	var batch graphNotifications
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, malformed(mail.ProviderOutlook, "invalid body: %v", err)
	}
	if len(batch.Value) == 0 {
		return nil, malformed(mail.ProviderOutlook, "empty notification array")
	}

	now := time.Now().UTC()
	out := make([]mail.Notification, 0, len(batch.Value))
	for i, item := range batch.Value {
		if item.SubscriptionID == "" || item.ClientState == "" || item.ResourceData == nil || item.ResourceData.ID == "" {
			return nil, malformed(mail.ProviderOutlook, "item %d is missing subscriptionId, clientState or resourceData.id", i)
		}
		accountID, hint, err := outlook.VerifyClientState(item.ClientState, secret)
		if err != nil {
			log.Warn().Err(err).Str("subscription", item.SubscriptionID).Msg("dropping outlook notification")
			continue
		}
		vector := item.ResourceData.ETag
		if vector == "" {
			vector = item.ChangeType
		}
		out = append(out, mail.Notification{
			Provider:      mail.ProviderOutlook,
			AccountHint:   accountID,
			ResourceID:    item.ResourceData.ID,
			ChangeType:    item.ChangeType,
			ChangeVector:  vector,
			DirectionHint: outlook.DirectionForHint(hint),
			ReceivedAt:    now,
		})
	}
	return out, nil
}
