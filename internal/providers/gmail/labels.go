package gmail

import (
	"context"
	"sort"
	"strings"

	"google.golang.org/api/gmail/v1"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

// systemQueries maps folder names and system label ids to Gmail search syntax
var systemQueries = map[string]string{
	"inbox":      "in:inbox",
	"sent":       "in:sent",
	"draft":      "in:drafts",
	"drafts":     "in:drafts",
	"trash":      "in:trash",
	"spam":       "in:spam",
	"starred":    "is:starred",
	"important":  "is:important",
	"unread":     "is:unread",
	"social":     "category:social",
	"promotions": "category:promotions",
	"updates":    "category:updates",
	"forums":     "category:forums",
	"primary":    "category:primary",

	"category_social":     "category:social",
	"category_promotions": "category:promotions",
	"category_updates":    "category:updates",
	"category_forums":     "category:forums",
	"category_personal":   "category:primary",
}

// folderQuery returns either a search query for a system folder or a label id for a user label
func (a *Adapter) folderQuery(ctx context.Context, folder string) (query string, labelID string, err error) {
	if folder == "" {
		return "in:inbox", "", nil
	}
	if q, ok := systemQueries[strings.ToLower(folder)]; ok {
		return q, "", nil
	}
	id, err := a.resolveLabel(ctx, folder)
	if err != nil {
		return "", "", err
	}
	return "", id, nil
}

// resolveLabel maps a user label name or id to its id, consulting the TTL cache first
func (a *Adapter) resolveLabel(ctx context.Context, name string) (string, error) {
	key := strings.ToLower(name)
	if id, ok := a.labels.Get(key); ok {
		return id, nil
	}
	labels, err := a.listLabels(ctx)
	if err != nil {
		return "", err
	}
	if id, ok := a.labels.Get(key); ok {
		return id, nil
	}
	for _, l := range labels {
		if l.Id == name {
			return l.Id, nil
		}
	}
	return "", mail.Errorf(mail.ProviderGmail, mail.KindNotFound, "resolve_label", "label %q not found", name)
}

func (a *Adapter) listLabels(ctx context.Context) ([]*gmail.Label, error) {
	resp, err := call(ctx, a, "list_labels", func(ctx context.Context) (*gmail.ListLabelsResponse, error) {
		return a.svc.Users.Labels.List(me).Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	for _, l := range resp.Labels {
		a.labels.Add(strings.ToLower(l.Name), l.Id)
		a.labels.Add(strings.ToLower(l.Id), l.Id)
	}
	return resp.Labels, nil
}

// GetFolders returns system labels at the top level and user labels nested on "/"
func (a *Adapter) GetFolders(ctx context.Context) ([]*mail.Folder, error) {
	labels, err := a.listLabels(ctx)
	if err != nil {
		return nil, err
	}

	idByName := make(map[string]string, len(labels))
	for _, l := range labels {
		idByName[l.Name] = l.Id
	}

	folders := make([]*mail.Folder, 0, len(labels))
	for _, l := range labels {
		if l.LabelListVisibility == "labelHide" {
			continue
		}
		f := &mail.Folder{
			ID:     l.Id,
			Name:   l.Name,
			Path:   l.Name,
			Kind:   mail.FolderUser,
			Total:  int(l.MessagesTotal),
			Unread: int(l.MessagesUnread),
		}
		if l.Type == "system" {
			f.Kind = mail.FolderSystem
		} else if i := strings.LastIndex(l.Name, "/"); i > 0 {
			f.Name = l.Name[i+1:]
			f.ParentID = idByName[l.Name[:i]]
		}
		folders = append(folders, f)
	}
	sort.SliceStable(folders, func(i, j int) bool {
		if folders[i].Kind != folders[j].Kind {
			return folders[i].Kind == mail.FolderSystem
		}
		return folders[i].Path < folders[j].Path
	})
	return mail.BuildTree(folders), nil
}

// systemLabelID maps a system folder name to its label id
func systemLabelID(folder string) string {
	switch f := strings.ToLower(folder); f {
	case "draft", "drafts":
		return mail.LabelDraft
	case "social", "promotions", "updates", "forums":
		return "CATEGORY_" + strings.ToUpper(f)
	case "primary":
		return "CATEGORY_PERSONAL"
	default:
		return strings.ToUpper(f)
	}
}
