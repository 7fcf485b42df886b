package imap

import (
	"context"
	"sort"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

// RFC 6154 special-use attributes
const (
	attrSent     = `\Sent`
	attrDrafts   = `\Drafts`
	attrTrash    = `\Trash`
	attrJunk     = `\Junk`
	attrAll      = `\All`
	attrArchive  = `\Archive`
	attrNoselect = `\Noselect`
)

// fallback names when the server does not advertise special-use
var specialNames = map[string][]string{
	attrSent:   {"Sent", "Sent Items", "Sent Messages", "Sent Mail", "[Gmail]/Sent Mail", "INBOX.Sent"},
	attrDrafts: {"Drafts", "[Gmail]/Drafts", "INBOX.Drafts"},
	attrTrash:  {"Trash", "Deleted Items", "Deleted Messages", "[Gmail]/Trash", "INBOX.Trash"},
	attrJunk:   {"Junk", "Spam", "Junk E-mail", "[Gmail]/Spam", "INBOX.Junk"},
}

// neutral folder names accepted in place of mailbox names
var folderAliases = map[string]string{
	"inbox":  inbox,
	"sent":   attrSent,
	"draft":  attrDrafts,
	"drafts": attrDrafts,
	"trash":  attrTrash,
	"spam":   attrJunk,
	"junk":   attrJunk,
}

func listMailboxes(c *client.Client) ([]*imap.MailboxInfo, error) {
	ch := make(chan *imap.MailboxInfo, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", ch)
	}()
	var boxes []*imap.MailboxInfo
	for m := range ch {
		boxes = append(boxes, m)
	}
	return boxes, <-done
}

func hasAttr(m *imap.MailboxInfo, attr string) bool {
	for _, a := range m.Attributes {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// specialUse returns special-use attribute -> mailbox name, detected once per adapter.
// Must be called with a.mu held.
func (a *Adapter) specialUse(c *client.Client) (map[string]string, error) {
	a.foldersMu.Lock()
	defer a.foldersMu.Unlock()
	if a.special != nil {
		return a.special, nil
	}
	boxes, err := listMailboxes(c)
	if err != nil {
		return nil, err
	}
	a.special = detectSpecial(boxes, a.cfg.SentFolder)
	return a.special, nil
}

func detectSpecial(boxes []*imap.MailboxInfo, sentOverride string) map[string]string {
	out := make(map[string]string)
	names := make(map[string]string, len(boxes))
	for _, b := range boxes {
		names[strings.ToLower(b.Name)] = b.Name
		for _, attr := range []string{attrSent, attrDrafts, attrTrash, attrJunk, attrAll, attrArchive} {
			if hasAttr(b, attr) {
				if _, ok := out[attr]; !ok {
					out[attr] = b.Name
				}
			}
		}
	}
	for attr, candidates := range specialNames {
		if _, ok := out[attr]; ok {
			continue
		}
		for _, cand := range candidates {
			if name, ok := names[strings.ToLower(cand)]; ok {
				out[attr] = name
				break
			}
		}
	}
	if sentOverride != "" {
		out[attrSent] = sentOverride
	}
	return out
}

// resolveMailbox maps a neutral folder name onto a mailbox name. Must be called with a.mu held.
func (a *Adapter) resolveMailbox(c *client.Client, folder string) (string, error) {
	if folder == "" {
		return inbox, nil
	}
	alias, ok := folderAliases[strings.ToLower(folder)]
	if !ok {
		return folder, nil
	}
	if alias == inbox {
		return inbox, nil
	}
	special, err := a.specialUse(c)
	if err != nil {
		return "", err
	}
	if name, ok := special[alias]; ok {
		return name, nil
	}
	return folder, nil
}

// labelsFor tags messages by the special use of the mailbox they live in
func labelsFor(mailbox string, special map[string]string) []string {
	if strings.EqualFold(mailbox, inbox) {
		return []string{mail.LabelInbox}
	}
	for attr, label := range map[string]string{attrSent: mail.LabelSent, attrDrafts: mail.LabelDraft, attrTrash: mail.LabelTrash, attrJunk: mail.LabelSpam} {
		if special[attr] == mailbox {
			return []string{label}
		}
	}
	return nil
}

// GetFolders lists mailboxes as a tree, synthesizing parents the server omits
func (a *Adapter) GetFolders(ctx context.Context) ([]*mail.Folder, error) {
	var roots []*mail.Folder
	err := a.with(ctx, "get_folders", func(c *client.Client) error {
		boxes, err := listMailboxes(c)
		if err != nil {
			return err
		}
		special, err := a.specialUse(c)
		if err != nil {
			return err
		}
		systemBoxes := make(map[string]bool, len(special)+1)
		systemBoxes[inbox] = true
		for _, name := range special {
			systemBoxes[name] = true
		}

		folders := buildFolders(boxes, systemBoxes)
		for _, f := range folders {
			if f.Kind == "" {
				continue
			}
			status, err := c.Status(f.ID, []imap.StatusItem{imap.StatusMessages, imap.StatusUnseen})
			if err != nil {
				continue
			}
			f.Total = int(status.Messages)
			f.Unread = int(status.Unseen)
		}
		for _, f := range folders {
			if f.Kind == "" {
				f.Kind = mail.FolderUser
			}
		}
		roots = mail.BuildTree(folders)
		return nil
	})
	return roots, err
}

// buildFolders flattens the LIST response into folders with parent links.
// Synthesized parents are returned with an empty Kind so callers can skip STATUS on them.
func buildFolders(boxes []*imap.MailboxInfo, system map[string]bool) []*mail.Folder {
	byName := make(map[string]*mail.Folder, len(boxes))
	var out []*mail.Folder

	var ensure func(name, delim string) *mail.Folder
	ensure = func(name, delim string) *mail.Folder {
		if f, ok := byName[name]; ok {
			return f
		}
		f := &mail.Folder{ID: name, Name: name, Path: name}
		if delim != "" {
			if i := strings.LastIndex(name, delim); i > 0 {
				f.Name = name[i+len(delim):]
				f.ParentID = ensure(name[:i], delim).ID
			}
			f.Path = strings.ReplaceAll(name, delim, "/")
		}
		byName[name] = f
		out = append(out, f)
		return f
	}

	sorted := append([]*imap.MailboxInfo(nil), boxes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, b := range sorted {
		f := ensure(b.Name, b.Delimiter)
		if hasAttr(b, attrNoselect) {
			continue
		}
		f.Kind = mail.FolderUser
		if system[b.Name] || strings.EqualFold(b.Name, inbox) {
			f.Kind = mail.FolderSystem
		}
	}
	return out
}
