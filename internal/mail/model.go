package mail

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provider identifies an upstream mail backend
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderIMAP    Provider = "imap"
)

// Valid reports whether p is one of the supported backends
func (p Provider) Valid() bool {
	switch p {
	case ProviderGmail, ProviderOutlook, ProviderIMAP:
		return true
	}
	return false
}

// Direction of a message relative to the account owner
type Direction string

const (
	DirectionUnknown  Direction = ""
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Well-known provider labels shared by the adapters
const (
	LabelInbox   = "INBOX"
	LabelSent    = "SENT"
	LabelDraft   = "DRAFT"
	LabelTrash   = "TRASH"
	LabelSpam    = "SPAM"
	LabelStarred = "STARRED"
	LabelUnread  = "UNREAD"
)

// messageNamespace seeds deterministic message ids
var messageNamespace = uuid.MustParse("6f6c8a9e-4a43-4b8e-9f3c-2d1b7a5e0c11")

// MessageID derives the stable normalized id for a provider message in an account
func MessageID(accountID string, provider Provider, providerMessageID string) string {
	return uuid.NewSHA1(messageNamespace, []byte(accountID+"|"+string(provider)+"|"+providerMessageID)).String()
}

// Address is a single mailbox address
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// String formats the address for a header
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return a.Name + " <" + a.Email + ">"
}

// SameMailbox compares addresses case-insensitively on the email part
func (a Address) SameMailbox(email string) bool {
	return a.Email != "" && strings.EqualFold(strings.TrimSpace(a.Email), strings.TrimSpace(email))
}

// Flags are the mutable message state bits
type Flags struct {
	Seen     bool `json:"seen"`
	Flagged  bool `json:"flagged"`
	Draft    bool `json:"draft"`
	Answered bool `json:"answered"`
	Deleted  bool `json:"deleted"`
}

// Body holds the message content in both representations when available
type Body struct {
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

// AttachmentMeta describes an attachment; content is fetched lazily
type AttachmentMeta struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	Inline      bool   `json:"inline,omitempty"`
	ContentID   string `json:"content_id,omitempty"`
}

// AttachmentContent is the payload returned by GetAttachment
type AttachmentContent struct {
	AttachmentMeta
	Data []byte `json:"-"`
}

// Message is the normalized message every adapter produces.
// (ProviderMessageID, AccountID) is unique; only Flags, FolderID and Direction change after creation.
type Message struct {
	ID                string           `json:"id"`
	AccountID         string           `json:"account_id"`
	Provider          Provider         `json:"provider"`
	ProviderMessageID string           `json:"provider_message_id"`
	ThreadID          string           `json:"thread_id,omitempty"`
	InternetMessageID string           `json:"internet_message_id,omitempty"`
	Subject           string           `json:"subject"`
	From              Address          `json:"from"`
	To                []Address        `json:"to,omitempty"`
	Cc                []Address        `json:"cc,omitempty"`
	Bcc               []Address        `json:"bcc,omitempty"`
	ReplyTo           []Address        `json:"reply_to,omitempty"`
	Date              time.Time        `json:"date"`
	Snippet           string           `json:"snippet,omitempty"`
	Body              Body             `json:"body"`
	Attachments       []AttachmentMeta `json:"attachments,omitempty"`
	Flags             Flags            `json:"flags"`
	FolderID          string           `json:"folder_id,omitempty"`
	Labels            []string         `json:"labels,omitempty"`
	InReplyTo         string           `json:"in_reply_to,omitempty"`
	References        []string         `json:"references,omitempty"`
	Size              int64            `json:"size,omitempty"`
	Direction         Direction        `json:"direction,omitempty"`
}

// HasLabel reports whether the message carries label (case-insensitive)
func (m *Message) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// SetLabel adds or removes label
func (m *Message) SetLabel(label string, on bool) {
	kept := m.Labels[:0:0]
	for _, l := range m.Labels {
		if !strings.EqualFold(l, label) {
			kept = append(kept, l)
		}
	}
	if on {
		kept = append(kept, label)
	}
	m.Labels = kept
}

// locationLabels name mutually exclusive places; a message carries at most one of them
var locationLabels = []string{LabelInbox, LabelTrash, LabelSpam}

func isLocation(label string) bool {
	for _, l := range locationLabels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// MoveTo relocates m to folderID and drops the labels that placed it in its previous folder
func (m *Message) MoveTo(folderID string) {
	kept := m.Labels[:0:0]
	for _, l := range m.Labels {
		if isLocation(l) || (m.FolderID != "" && strings.EqualFold(l, m.FolderID)) {
			continue
		}
		kept = append(kept, l)
	}
	m.Labels = kept
	if isLocation(folderID) {
		m.Labels = append(m.Labels, strings.ToUpper(folderID))
	}
	m.FolderID = folderID
}

// Recipients returns To, Cc and Bcc in that order
func (m *Message) Recipients() []Address {
	out := make([]Address, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	out = append(out, m.Bcc...)
	return out
}

// Thread is a derived aggregate of member messages; it is never persisted on its own
type Thread struct {
	ID            string    `json:"id"`
	Subject       string    `json:"subject"`
	Messages      []Message `json:"messages"`
	MessageCount  int       `json:"message_count"`
	UnreadCount   int       `json:"unread_count"`
	Participants  []Address `json:"participants"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// NewThread builds a thread and recomputes every derived field from the members.
// Members are ordered oldest first.
func NewThread(id string, members []Message) Thread {
	msgs := make([]Message, len(members))
	copy(msgs, members)
	sortByDate(msgs)

	t := Thread{ID: id, Messages: msgs, MessageCount: len(msgs)}
	seen := make(map[string]bool)
	addParticipant := func(a Address) {
		key := strings.ToLower(a.Email)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		t.Participants = append(t.Participants, a)
	}

	for i := range msgs {
		m := &msgs[i]
		if !m.Flags.Seen {
			t.UnreadCount++
		}
		if m.Date.After(t.LastMessageAt) {
			t.LastMessageAt = m.Date
		}
		addParticipant(m.From)
		for _, a := range m.Recipients() {
			addParticipant(a)
		}
	}
	if len(msgs) > 0 {
		t.Subject = msgs[0].Subject
	}
	return t
}

// FolderKind separates provider system folders from user-created ones
type FolderKind string

const (
	FolderSystem FolderKind = "system"
	FolderUser   FolderKind = "user"
)

// Folder is a node in the provider folder/label hierarchy.
// Counts are advisory.
type Folder struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	ParentID string     `json:"parent_id,omitempty"`
	Kind     FolderKind `json:"kind"`
	Total    int        `json:"total"`
	Unread   int        `json:"unread"`
	Children []*Folder  `json:"children,omitempty"`
}

// SyncCursor is the per (account, provider) incremental sync watermark
type SyncCursor struct {
	AccountID      string    `json:"account_id"`
	Provider       Provider  `json:"provider"`
	Watermark      string    `json:"watermark"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	WatchExpiry    time.Time `json:"watch_expiry,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsZero reports whether the cursor has never been created
func (c SyncCursor) IsZero() bool {
	return c.Watermark == "" && c.SubscriptionID == ""
}

// Notification is an upstream change notification reduced to the fields the reconciler needs.
// It is never persisted beyond its dedup key.
type Notification struct {
	Provider      Provider  `json:"provider"`
	AccountHint   string    `json:"account_hint"`
	ResourceID    string    `json:"resource_id"`
	ChangeType    string    `json:"change_type,omitempty"`
	ChangeVector  string    `json:"change_vector,omitempty"`
	DirectionHint Direction `json:"direction_hint,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

// DedupKey is deterministic over provider, resource id and change vector
func (n Notification) DedupKey() string {
	return string(n.Provider) + ":" + n.ResourceID + ":" + n.ChangeVector
}
