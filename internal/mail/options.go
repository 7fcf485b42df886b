package mail

import (
	"strings"
	"time"
)

// SortField names the field a listing is ordered by
type SortField string

const (
	SortByDate    SortField = "date"
	SortBySubject SortField = "subject"
	SortByFrom    SortField = "from"
)

// Sort is an ordering request. The zero value means provider default (newest first).
type Sort struct {
	Field      SortField
	Descending bool
}

// ListOptions narrows a folder listing
type ListOptions struct {
	FolderID  string
	Limit     int
	PageToken string
	Offset    int
	Unread    *bool
	Flagged   *bool
	Since     time.Time
	Before    time.Time
	Sort      *Sort
}

// HasFilter reports whether any filter beyond folder and paging is set
func (o ListOptions) HasFilter() bool {
	return o.Unread != nil || o.Flagged != nil || !o.Since.IsZero() || !o.Before.IsZero() || o.Sort != nil
}

// PageSize clamps Limit to [1, max], defaulting to def
func (o ListOptions) PageSize(def, max int) int {
	switch {
	case o.Limit <= 0:
		return def
	case o.Limit > max:
		return max
	}
	return o.Limit
}

// SearchQuery is a provider-neutral search request
type SearchQuery struct {
	Text          string
	From          string
	To            string
	Subject       string
	Since         time.Time
	Before        time.Time
	Unread        *bool
	HasAttachment *bool
	FolderID      string
	Limit         int
	Offset        int
	Sort          *Sort
}

// IsEmpty reports whether no criterion is set
func (q SearchQuery) IsEmpty() bool {
	return strings.TrimSpace(q.Text) == "" && q.From == "" && q.To == "" && q.Subject == "" &&
		q.Since.IsZero() && q.Before.IsZero() && q.Unread == nil && q.HasAttachment == nil
}

// Matches evaluates the query against a message locally.
// Used when a provider has no native search.
func (q SearchQuery) Matches(m *Message) bool {
	if q.FolderID != "" && !strings.EqualFold(m.FolderID, q.FolderID) && !m.HasLabel(q.FolderID) {
		return false
	}
	if q.From != "" && !containsFold(m.From.String(), q.From) {
		return false
	}
	if q.To != "" {
		found := false
		for _, a := range m.Recipients() {
			if containsFold(a.String(), q.To) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Subject != "" && !containsFold(m.Subject, q.Subject) {
		return false
	}
	if !q.Since.IsZero() && m.Date.Before(q.Since) {
		return false
	}
	if !q.Before.IsZero() && !m.Date.Before(q.Before) {
		return false
	}
	if q.Unread != nil && *q.Unread == m.Flags.Seen {
		return false
	}
	if q.HasAttachment != nil && *q.HasAttachment != (len(m.Attachments) > 0) {
		return false
	}
	if text := strings.TrimSpace(q.Text); text != "" {
		hay := m.Subject + "\n" + m.Snippet + "\n" + m.Body.Text + "\n" + m.From.String()
		if m.Body.Text == "" {
			hay += "\n" + TextFromHTML(m.Body.HTML)
		}
		for _, term := range strings.Fields(text) {
			if !containsFold(hay, term) {
				return false
			}
		}
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// MessagePage is one page of a listing
type MessagePage struct {
	Messages      []Message
	NextPageToken string
	Total         int
}

// OutgoingMessage is a message to send, reply with or forward
type OutgoingMessage struct {
	From        Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	ReplyTo     []Address
	Subject     string
	Body        Body
	Attachments []OutgoingAttachment
	InReplyTo   string
	References  []string
	ThreadID    string
}

// OutgoingAttachment carries inline content for an outgoing message
type OutgoingAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// SendResult identifies the sent message upstream
type SendResult struct {
	ProviderMessageID string
	ThreadID          string
	InternetMessageID string
}

// SyncRequest drives one incremental sync step
type SyncRequest struct {
	Cursor SyncCursor
	// Event is the notification that triggered the step; nil for periodic ticks
	Event *Notification
}

// SyncResult is the outcome of one incremental sync step.
// Cursor is the watermark to persist once every message has been handled.
// Reset is set when the previous watermark was rejected and Cursor holds the provider's current position;
// Messages is empty in that case.
type SyncResult struct {
	Messages []Message
	Cursor   SyncCursor
	Reset    bool
}

// ReplySubject prefixes subject with "Re: " unless it already is a reply
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}

// ForwardSubject prefixes subject with "Fwd: " unless already forwarded
func ForwardSubject(subject string) string {
	s := strings.ToLower(strings.TrimSpace(subject))
	if strings.HasPrefix(s, "fwd:") || strings.HasPrefix(s, "fw:") {
		return subject
	}
	return "Fwd: " + subject
}

// ReplyReferences builds the References chain for a reply to orig
func ReplyReferences(orig *Message) []string {
	refs := make([]string, 0, len(orig.References)+1)
	refs = append(refs, orig.References...)
	if orig.InternetMessageID != "" {
		refs = append(refs, orig.InternetMessageID)
	}
	return refs
}
