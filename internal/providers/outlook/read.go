package outlook

import (
	"context"
	"sort"
	"strconv"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

var systemFolders = []string{"inbox", "sentitems", "drafts", "deleteditems", "junkemail"}

// folderIDs returns folder id -> well-known name, resolved once per adapter
func (a *Adapter) folderIDs(ctx context.Context) (map[string]string, error) {
	a.mu.Lock()
	cached := a.wellKnown
	a.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	ids := make(map[string]string, len(systemFolders))
	for _, wk := range systemFolders {
		f, err := call(ctx, a, "get_folder", func(ctx context.Context) (models.MailFolderable, error) {
			return a.user().MailFolders().ByMailFolderId(wk).Get(ctx, nil)
		})
		if mail.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f != nil && f.GetId() != nil {
			ids[*f.GetId()] = wk
		}
	}

	a.mu.Lock()
	a.wellKnown = ids
	a.mu.Unlock()
	return ids, nil
}

// GetFolders walks the folder hierarchy depth-first
func (a *Adapter) GetFolders(ctx context.Context) ([]*mail.Folder, error) {
	known, err := a.folderIDs(ctx)
	if err != nil {
		return nil, err
	}

	top, err := call(ctx, a, "get_folders", func(ctx context.Context) (models.MailFolderCollectionResponseable, error) {
		return a.user().MailFolders().Get(ctx, &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{Top: ptr(int32(250))},
		})
	})
	if err != nil {
		return nil, err
	}

	var roots []*mail.Folder
	for _, f := range top.GetValue() {
		node, err := a.folderNode(ctx, f, "", known)
		if err != nil {
			return nil, err
		}
		roots = append(roots, node)
	}
	return roots, nil
}

func (a *Adapter) folderNode(ctx context.Context, f models.MailFolderable, parentPath string, known map[string]string) (*mail.Folder, error) {
	id := str(f.GetId())
	name := str(f.GetDisplayName())
	node := &mail.Folder{
		ID:       id,
		Name:     name,
		Path:     name,
		ParentID: str(f.GetParentFolderId()),
		Kind:     mail.FolderUser,
	}
	if parentPath != "" {
		node.Path = parentPath + "/" + name
	}
	if _, ok := known[id]; ok {
		node.Kind = mail.FolderSystem
	}
	if v := f.GetTotalItemCount(); v != nil {
		node.Total = int(*v)
	}
	if v := f.GetUnreadItemCount(); v != nil {
		node.Unread = int(*v)
	}

	if n := f.GetChildFolderCount(); n == nil || *n == 0 {
		return node, nil
	}
	children, err := call(ctx, a, "get_folders", func(ctx context.Context) (models.MailFolderCollectionResponseable, error) {
		return a.user().MailFolders().ByMailFolderId(id).ChildFolders().Get(ctx, &users.ItemMailFoldersItemChildFoldersRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemChildFoldersRequestBuilderGetQueryParameters{Top: ptr(int32(250))},
		})
	})
	if err != nil {
		return nil, err
	}
	for _, c := range children.GetValue() {
		child, err := a.folderNode(ctx, c, node.Path, known)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// GetEmails lists a folder. The page token is the next $skip offset.
func (a *Adapter) GetEmails(ctx context.Context, opts mail.ListOptions) (*mail.MessagePage, error) {
	known, err := a.folderIDs(ctx)
	if err != nil {
		return nil, err
	}
	skip := opts.Offset
	if opts.PageToken != "" {
		if n, err := strconv.Atoi(opts.PageToken); err == nil {
			skip = n
		}
	}
	top := opts.PageSize(defaultPageSize, maxPageSize)
	filter, orderby := listFilter(opts)

	params := &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
		Top:     ptr(int32(top)),
		Select:  messageFields,
		Orderby: orderby,
		Count:   ptr(true),
	}
	if filter != "" {
		params.Filter = ptr(filter)
	}
	if skip > 0 {
		params.Skip = ptr(int32(skip))
	}

	resp, err := call(ctx, a, "get_emails", func(ctx context.Context) (models.MessageCollectionResponseable, error) {
		return a.user().MailFolders().ByMailFolderId(folderRef(opts.FolderID)).Messages().Get(ctx,
			&users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{QueryParameters: params})
	})
	if err != nil {
		return nil, err
	}
	return a.page(resp, known, skip), nil
}

func (a *Adapter) page(resp models.MessageCollectionResponseable, known map[string]string, skip int) *mail.MessagePage {
	msgs := make([]mail.Message, 0, len(resp.GetValue()))
	for _, m := range resp.GetValue() {
		msgs = append(msgs, a.normalize(m, known))
	}
	page := &mail.MessagePage{Messages: msgs, Total: len(msgs)}
	if c := resp.GetOdataCount(); c != nil {
		page.Total = int(*c)
	}
	if resp.GetOdataNextLink() != nil {
		page.NextPageToken = strconv.Itoa(skip + len(msgs))
	}
	return page
}

// SearchEmails runs a KQL $search across the mailbox or one folder
func (a *Adapter) SearchEmails(ctx context.Context, q mail.SearchQuery) (*mail.MessagePage, error) {
	kql, err := searchKQL(q)
	if err != nil {
		return nil, err
	}
	known, err := a.folderIDs(ctx)
	if err != nil {
		return nil, err
	}
	top := q.Limit
	if top <= 0 {
		top = defaultPageSize
	} else if top > maxPageSize {
		top = maxPageSize
	}

	resp, err := call(ctx, a, "search_emails", func(ctx context.Context) (models.MessageCollectionResponseable, error) {
		if q.FolderID != "" {
			return a.user().MailFolders().ByMailFolderId(folderRef(q.FolderID)).Messages().Get(ctx,
				&users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
					QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
						Search: ptr(kql),
						Top:    ptr(int32(top)),
						Select: messageFields,
					},
				})
		}
		return a.user().Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Search: ptr(kql),
				Top:    ptr(int32(top)),
				Select: messageFields,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	page := a.page(resp, known, 0)
	page.NextPageToken = ""
	return page, nil
}

// GetEmail fetches one message with attachment metadata
func (a *Adapter) GetEmail(ctx context.Context, id string) (*mail.Message, error) {
	known, err := a.folderIDs(ctx)
	if err != nil {
		return nil, err
	}
	m, err := call(ctx, a, "get_email", func(ctx context.Context) (models.Messageable, error) {
		return a.user().Messages().ByMessageId(id).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
				Select: messageFields,
				Expand: []string{attachmentExpand},
			},
		})
	})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, mail.Errorf(mail.ProviderOutlook, mail.KindNotFound, "get_email", "message %s not found", id)
	}
	out := a.normalize(m, known)
	return &out, nil
}

// GetThread returns every message sharing the conversation id
func (a *Adapter) GetThread(ctx context.Context, threadID string) (*mail.Thread, error) {
	known, err := a.folderIDs(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := call(ctx, a, "get_thread", func(ctx context.Context) (models.MessageCollectionResponseable, error) {
		return a.user().Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Filter: ptr("conversationId eq " + odataString(threadID)),
				Top:    ptr(int32(maxPageSize)),
				Select: messageFields,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	if len(resp.GetValue()) == 0 {
		return nil, mail.Errorf(mail.ProviderOutlook, mail.KindNotFound, "get_thread", "conversation %s not found", threadID)
	}
	members := make([]mail.Message, 0, len(resp.GetValue()))
	for _, m := range resp.GetValue() {
		members = append(members, a.normalize(m, known))
	}
	t := mail.NewThread(threadID, members)
	return &t, nil
}

// GetThreads groups a folder page by conversation id, newest conversation first
func (a *Adapter) GetThreads(ctx context.Context, opts mail.ListOptions) ([]mail.Thread, error) {
	page, err := a.GetEmails(ctx, opts)
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]mail.Message)
	var order []string
	for _, m := range page.Messages {
		key := m.ThreadID
		if key == "" {
			key = m.ProviderMessageID
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}
	threads := make([]mail.Thread, 0, len(order))
	for _, id := range order {
		threads = append(threads, mail.NewThread(id, groups[id]))
	}
	sort.SliceStable(threads, func(i, j int) bool { return threads[i].LastMessageAt.After(threads[j].LastMessageAt) })
	return threads, nil
}

// GetAttachment downloads a file attachment
func (a *Adapter) GetAttachment(ctx context.Context, messageID, attachmentID string) (*mail.AttachmentContent, error) {
	att, err := call(ctx, a, "get_attachment", func(ctx context.Context) (models.Attachmentable, error) {
		return a.user().Messages().ByMessageId(messageID).Attachments().ByAttachmentId(attachmentID).Get(ctx, nil)
	})
	if err != nil {
		return nil, err
	}
	if att == nil {
		return nil, mail.Errorf(mail.ProviderOutlook, mail.KindNotFound, "get_attachment", "attachment %s not found", attachmentID)
	}
	out := &mail.AttachmentContent{AttachmentMeta: mail.AttachmentMeta{
		ID:          str(att.GetId()),
		Filename:    str(att.GetName()),
		ContentType: str(att.GetContentType()),
	}}
	if s := att.GetSize(); s != nil {
		out.Size = int64(*s)
	}
	if v := att.GetIsInline(); v != nil {
		out.Inline = *v
	}
	file, ok := att.(models.FileAttachmentable)
	if !ok {
		return nil, mail.Errorf(mail.ProviderOutlook, mail.KindUnsupported, "get_attachment", "attachment %s is not a file", attachmentID)
	}
	out.Data = file.GetContentBytes()
	out.ContentID = str(file.GetContentId())
	return out, nil
}
