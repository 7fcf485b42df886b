package mail

import (
	netmail "net/mail"
	"sort"
	"strings"

	gomail "github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
)

const snippetLength = 200

func sortByDate(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Date.Before(msgs[j].Date)
	})
}

// ParseAddressList parses an RFC 5322 address list header value.
// Malformed entries are kept as bare addresses rather than dropped.
func ParseAddressList(s string) []Address {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if parsed, err := gomail.ParseAddressList(s); err == nil {
		return fromNetMail(parsed)
	}

	var out []Address
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if a, err := gomail.ParseAddress(part); err == nil {
			out = append(out, Address{Name: a.Name, Email: a.Address})
			continue
		}
		out = append(out, Address{Email: strings.Trim(part, "<>")})
	}
	return out
}

// ParseAddress parses a single address, returning the zero Address on empty input
func ParseAddress(s string) Address {
	list := ParseAddressList(s)
	if len(list) == 0 {
		return Address{}
	}
	return list[0]
}

func fromNetMail(in []*netmail.Address) []Address {
	out := make([]Address, 0, len(in))
	for _, a := range in {
		out = append(out, Address{Name: a.Name, Email: a.Address})
	}
	return out
}

// FormatAddressList joins addresses for a header value
func FormatAddressList(addrs []Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

// AddressEmails returns just the email parts
func AddressEmails(addrs []Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Email != "" {
			out = append(out, a.Email)
		}
	}
	return out
}

// TextFromHTML converts an HTML body to plain text and collapses runs of blank lines
func TextFromHTML(html string) string {
	if html == "" {
		return ""
	}
	text := html2text.HTML2Text(html)

	lines := strings.Split(text, "\n")
	result := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blank++
			if blank <= 1 {
				result = append(result, "")
			}
			continue
		}
		blank = 0
		result = append(result, strings.TrimRight(line, " \t"))
	}
	return strings.TrimSpace(strings.Join(result, "\n"))
}

// Snippet returns a short single-line preview of the body
func Snippet(b Body) string {
	text := b.Text
	if text == "" {
		text = TextFromHTML(b.HTML)
	}
	text = strings.Join(strings.Fields(text), " ")
	if len([]rune(text)) > snippetLength {
		return string([]rune(text)[:snippetLength])
	}
	return text
}

// SplitMessageIDs splits a References / In-Reply-To header into bracketed ids
func SplitMessageIDs(header string) []string {
	var ids []string
	for _, f := range strings.Fields(header) {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if !strings.HasPrefix(f, "<") {
			f = "<" + f
		}
		if !strings.HasSuffix(f, ">") {
			f += ">"
		}
		ids = append(ids, f)
	}
	return ids
}

// BuildTree links flat folders into a hierarchy using ParentID and returns the roots.
// Children keep the input order.
func BuildTree(flat []*Folder) []*Folder {
	byID := make(map[string]*Folder, len(flat))
	for _, f := range flat {
		f.Children = nil
		byID[f.ID] = f
	}

	var roots []*Folder
	for _, f := range flat {
		if parent, ok := byID[f.ParentID]; ok && f.ParentID != "" && parent != f {
			parent.Children = append(parent.Children, f)
			continue
		}
		roots = append(roots, f)
	}
	return roots
}

// Flatten walks a folder tree depth-first
func Flatten(roots []*Folder) []*Folder {
	var out []*Folder
	var walk func([]*Folder)
	walk = func(nodes []*Folder) {
		for _, n := range nodes {
			out = append(out, n)
			walk(n.Children)
		}
	}
	walk(roots)
	return out
}
