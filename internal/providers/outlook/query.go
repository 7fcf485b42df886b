package outlook

import (
	"fmt"
	"strings"
	"time"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

// wellKnownFolders maps neutral folder names to Graph well-known folder names
var wellKnownFolders = map[string]string{
	"inbox":        "inbox",
	"sent":         "sentitems",
	"sentitems":    "sentitems",
	"draft":        "drafts",
	"drafts":       "drafts",
	"trash":        "deleteditems",
	"deleteditems": "deleteditems",
	"spam":         "junkemail",
	"junk":         "junkemail",
	"junkemail":    "junkemail",
	"archive":      "archive",
}

// folderRef resolves a folder argument to something usable in /mailFolders/{id}
func folderRef(folder string) string {
	if folder == "" {
		return "inbox"
	}
	if wk, ok := wellKnownFolders[strings.ToLower(folder)]; ok {
		return wk
	}
	return folder
}

func odataTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func odataString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// listFilter translates listing filters to $filter and $orderby
func listFilter(opts mail.ListOptions) (filter string, orderby []string) {
	var clauses []string
	if opts.Unread != nil {
		clauses = append(clauses, fmt.Sprintf("isRead eq %t", !*opts.Unread))
	}
	if opts.Flagged != nil {
		if *opts.Flagged {
			clauses = append(clauses, "flag/flagStatus eq 'flagged'")
		} else {
			clauses = append(clauses, "flag/flagStatus ne 'flagged'")
		}
	}
	if !opts.Since.IsZero() {
		clauses = append(clauses, "receivedDateTime ge "+odataTime(opts.Since))
	}
	if !opts.Before.IsZero() {
		clauses = append(clauses, "receivedDateTime lt "+odataTime(opts.Before))
	}
	return strings.Join(clauses, " and "), orderBy(opts.Sort)
}

func orderBy(s *mail.Sort) []string {
	if s == nil {
		return []string{"receivedDateTime desc"}
	}
	dir := " asc"
	if s.Descending {
		dir = " desc"
	}
	switch s.Field {
	case mail.SortBySubject:
		return []string{"subject" + dir}
	case mail.SortByFrom:
		return []string{"from/emailAddress/address" + dir}
	}
	return []string{"receivedDateTime" + dir}
}

// searchKQL folds every criterion into a single $search expression.
// Graph rejects $orderby and $skip alongside $search, so those are refused up front.
func searchKQL(q mail.SearchQuery) (string, error) {
	if q.Sort != nil {
		return "", mail.Errorf(mail.ProviderOutlook, mail.KindUnsupported, "search_emails", "sorting search results is not supported")
	}
	if q.Offset > 0 {
		return "", mail.Errorf(mail.ProviderOutlook, mail.KindUnsupported, "search_emails", "offset paging of search results is not supported")
	}

	var terms []string
	if text := strings.TrimSpace(q.Text); text != "" {
		terms = append(terms, text)
	}
	if q.From != "" {
		terms = append(terms, "from:"+kqlValue(q.From))
	}
	if q.To != "" {
		terms = append(terms, "to:"+kqlValue(q.To))
	}
	if q.Subject != "" {
		terms = append(terms, "subject:"+kqlValue(q.Subject))
	}
	if !q.Since.IsZero() {
		terms = append(terms, "received>="+q.Since.UTC().Format("2006-01-02"))
	}
	if !q.Before.IsZero() {
		terms = append(terms, "received<"+q.Before.UTC().Format("2006-01-02"))
	}
	if q.Unread != nil {
		terms = append(terms, fmt.Sprintf("isread:%t", !*q.Unread))
	}
	if q.HasAttachment != nil {
		terms = append(terms, fmt.Sprintf("hasattachments:%t", *q.HasAttachment))
	}
	// $search values are wrapped in double quotes as a whole
	return `"` + strings.ReplaceAll(strings.Join(terms, " AND "), `"`, `'`) + `"`, nil
}

func kqlValue(v string) string {
	if strings.ContainsAny(v, " \t") {
		return "'" + v + "'"
	}
	return v
}
