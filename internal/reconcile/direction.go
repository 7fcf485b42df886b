package reconcile

import (
	"strings"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

// Classification is the evidence a direction strategy looks at
type Classification struct {
	Message      *mail.Message
	AccountEmail string
	// Hint comes from the subscription that delivered the notification
	Hint mail.Direction
}

// Strategy returns a definitive direction or DirectionUnknown for no opinion
type Strategy struct {
	Name   string
	Decide func(c Classification) mail.Direction
}

// sentFolders are mailbox names that hold sent mail across providers
var sentFolders = map[string]bool{
	"sent":              true,
	"sent items":        true,
	"sentitems":         true,
	"sent mail":         true,
	"sent messages":     true,
	"[gmail]/sent mail": true,
	"inbox.sent":        true,
}

// DefaultStrategies in priority order. The provider's sent label wins over everything else.
var DefaultStrategies = []Strategy{
	{Name: "sent_label", Decide: bySentLabel},
	{Name: "sender_is_account", Decide: bySender},
	{Name: "sent_folder", Decide: bySentFolder},
	{Name: "subscription_hint", Decide: byHint},
	{Name: "default_received", Decide: func(Classification) mail.Direction { return mail.DirectionReceived }},
}

func bySentLabel(c Classification) mail.Direction {
	if c.Message.HasLabel(mail.LabelSent) {
		return mail.DirectionSent
	}
	return mail.DirectionUnknown
}

func bySender(c Classification) mail.Direction {
	if c.AccountEmail != "" && c.Message.From.SameMailbox(c.AccountEmail) {
		return mail.DirectionSent
	}
	return mail.DirectionUnknown
}

func bySentFolder(c Classification) mail.Direction {
	if sentFolders[strings.ToLower(strings.TrimSpace(c.Message.FolderID))] {
		return mail.DirectionSent
	}
	return mail.DirectionUnknown
}

func byHint(c Classification) mail.Direction {
	return c.Hint
}

// Classify runs strategies in order and returns the first opinion with the name of the strategy that gave it
func Classify(strategies []Strategy, c Classification) (mail.Direction, string) {
	for _, s := range strategies {
		if d := s.Decide(c); d != mail.DirectionUnknown {
			return d, s.Name
		}
	}
	return mail.DirectionReceived, "fallthrough"
}
