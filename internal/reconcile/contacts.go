package reconcile

import (
	"strings"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

// Contact roles relative to the message
const (
	RoleFrom = "from"
	RoleTo   = "to"
	RoleCc   = "cc"
	RoleBcc  = "bcc"
)

// Contact is a counterpart address of a message
type Contact struct {
	Address mail.Address `json:"address"`
	Role    string       `json:"role"`
}

// Contacts lists every participant except the account owner, first role wins
func Contacts(m *mail.Message, accountEmail string) []Contact {
	seen := make(map[string]bool)
	var out []Contact
	add := func(role string, addrs ...mail.Address) {
		for _, a := range addrs {
			key := strings.ToLower(strings.TrimSpace(a.Email))
			if key == "" || seen[key] || a.SameMailbox(accountEmail) {
				continue
			}
			seen[key] = true
			out = append(out, Contact{Address: a, Role: role})
		}
	}
	add(RoleFrom, m.From)
	add(RoleTo, m.To...)
	add(RoleCc, m.Cc...)
	add(RoleBcc, m.Bcc...)
	return out
}
