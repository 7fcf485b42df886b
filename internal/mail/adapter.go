package mail

import (
	"context"
	"time"
)

// Capabilities declares which optional operations an adapter supports natively
type Capabilities struct {
	Threading         bool
	Folders           bool
	Labels            bool
	Search            bool
	RealTimeSync      bool
	Sending           bool
	Attachments       bool
	MaxAttachmentSize int64
}

// Adapter is the provider-agnostic mailbox contract.
// Every error returned crosses the boundary as a *Error.
type Adapter interface {
	// Provider returns the backend tag
	Provider() Provider

	// Capabilities describes what the backend supports natively
	Capabilities() Capabilities

	// Connect authenticates and prepares the session
	Connect(ctx context.Context) error

	// Close releases the session
	Close() error

	// GetFolders returns the folder/label hierarchy as roots
	GetFolders(ctx context.Context) ([]*Folder, error)

	// GetEmails lists one page of a folder
	GetEmails(ctx context.Context, opts ListOptions) (*MessagePage, error)

	// GetEmail fetches a single message by provider id
	GetEmail(ctx context.Context, id string) (*Message, error)

	// GetThread fetches a thread by provider thread id
	GetThread(ctx context.Context, threadID string) (*Thread, error)

	// GetThreads lists threads in a folder
	GetThreads(ctx context.Context, opts ListOptions) ([]Thread, error)

	// SearchEmails runs a provider-side search
	SearchEmails(ctx context.Context, q SearchQuery) (*MessagePage, error)

	MarkAsRead(ctx context.Context, ids []string) (int, error)
	MarkAsUnread(ctx context.Context, ids []string) (int, error)
	MarkAsFlagged(ctx context.Context, ids []string) (int, error)
	MarkAsUnflagged(ctx context.Context, ids []string) (int, error)

	// DeleteEmails moves messages to trash (or expunges where there is no trash)
	DeleteEmails(ctx context.Context, ids []string) (int, error)

	// MoveEmails moves messages into folderID
	MoveEmails(ctx context.Context, ids []string, folderID string) (int, error)

	SendEmail(ctx context.Context, msg OutgoingMessage) (*SendResult, error)
	ReplyToEmail(ctx context.Context, id string, msg OutgoingMessage) (*SendResult, error)
	ForwardEmail(ctx context.Context, id string, msg OutgoingMessage) (*SendResult, error)

	// Sync performs one incremental step from the cursor
	Sync(ctx context.Context, req SyncRequest) (*SyncResult, error)

	// GetAttachment fetches attachment content lazily
	GetAttachment(ctx context.Context, messageID, attachmentID string) (*AttachmentContent, error)
}

// Watcher is implemented by push-capable adapters
type Watcher interface {
	// Watch registers (or renews) upstream change notifications and returns the resulting cursor
	Watch(ctx context.Context, cur SyncCursor) (SyncCursor, error)

	// StopWatch cancels the registration
	StopWatch(ctx context.Context, cur SyncCursor) error
}

// Listener is implemented by adapters that hold a live connection signalling new mail
type Listener interface {
	// Listen blocks until ctx is done, sending on signal whenever new mail arrives
	Listen(ctx context.Context, signal chan<- struct{}) error
}

// WatchRenewalWindow is how long before expiry a watch is renewed
const WatchRenewalWindow = 24 * time.Hour
