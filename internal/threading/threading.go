// Package threading groups messages into conversations locally for providers
// that have no native thread ids (IMAP) or when only a cached subset is available.
package threading

import (
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

var threadNamespace = uuid.MustParse("b7d0f3a4-52c1-4c35-8f0e-8d3a6e1f9a27")

var replyPrefix = regexp.MustCompile(`(?i)^\s*((re|fwd?|aw|sv|wg)\s*(\[\d+\])?\s*:\s*)+`)

// NormalizeSubject strips reply/forward prefixes and folds case and whitespace
func NormalizeSubject(subject string) string {
	s := replyPrefix.ReplaceAllString(subject, "")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func isReply(m *mail.Message) bool {
	return m.InReplyTo != "" || len(m.References) > 0 || replyPrefix.MatchString(m.Subject)
}

func normID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return ""
	}
	return strings.Trim(id, "<>")
}

func parents(m *mail.Message) []string {
	var out []string
	for _, r := range m.References {
		if id := normID(r); id != "" {
			out = append(out, id)
		}
	}
	for _, r := range mail.SplitMessageIDs(m.InReplyTo) {
		if id := normID(r); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Group partitions msgs into threads, newest thread first.
// Messages are linked when one references another's Message-ID, or when they
// reference a common ancestor that is absent from the set. A reply whose
// parents are all absent is then attached to a conversation with the same
// normalized subject.
func Group(msgs []mail.Message) []mail.Thread {
	if len(msgs) == 0 {
		return nil
	}

	uf := newUnionFind()
	msgKey := func(i int) string { return "m:" + itoa(i) }

	present := make(map[string]bool)
	for i := range msgs {
		if id := normID(msgs[i].InternetMessageID); id != "" {
			present[id] = true
		}
	}

	for i := range msgs {
		m := &msgs[i]
		k := msgKey(i)
		uf.add(k)
		if id := normID(m.InternetMessageID); id != "" {
			uf.union(k, "id:"+id)
		}
		for _, p := range parents(m) {
			uf.union(k, "id:"+p)
		}
	}

	groups := collect(msgs, uf, msgKey)

	// Subject merge for orphaned replies
	bySubject := make(map[string]string)
	roots := make([]string, 0, len(groups))
	for r := range groups {
		roots = append(roots, r)
	}
	sort.Strings(roots)
	for _, r := range roots {
		root := earliest(msgs, groups[r])
		if isReply(root) {
			continue
		}
		subj := NormalizeSubject(root.Subject)
		if _, ok := bySubject[subj]; !ok && subj != "" {
			bySubject[subj] = r
		}
	}
	for _, r := range roots {
		root := earliest(msgs, groups[r])
		if !isReply(root) || hasPresentParent(root, present) {
			continue
		}
		subj := NormalizeSubject(root.Subject)
		if subj == "" {
			continue
		}
		if target, ok := bySubject[subj]; ok {
			uf.union(r, target)
		} else {
			bySubject[subj] = r
		}
	}

	groups = collect(msgs, uf, msgKey)
	threads := make([]mail.Thread, 0, len(groups))
	for _, idx := range groups {
		members := make([]mail.Message, 0, len(idx))
		for _, i := range idx {
			members = append(members, msgs[i])
		}
		threads = append(threads, mail.NewThread(ThreadID(members), members))
	}

	sort.SliceStable(threads, func(i, j int) bool {
		if threads[i].LastMessageAt.Equal(threads[j].LastMessageAt) {
			return threads[i].ID < threads[j].ID
		}
		return threads[i].LastMessageAt.After(threads[j].LastMessageAt)
	})
	return threads
}

func hasPresentParent(m *mail.Message, present map[string]bool) bool {
	for _, p := range parents(m) {
		if present[p] {
			return true
		}
	}
	return false
}

func collect(msgs []mail.Message, uf *unionFind, key func(int) string) map[string][]int {
	groups := make(map[string][]int)
	for i := range msgs {
		r := uf.find(key(i))
		groups[r] = append(groups[r], i)
	}
	return groups
}

func earliest(msgs []mail.Message, idx []int) *mail.Message {
	best := &msgs[idx[0]]
	for _, i := range idx[1:] {
		if msgs[i].Date.Before(best.Date) {
			best = &msgs[i]
		}
	}
	return best
}

type idStrategy struct {
	name string
	fn   func(members []mail.Message) (string, bool)
}

// threadIDStrategies are evaluated in order; the first with an opinion wins
var threadIDStrategies = []idStrategy{
	{"native", nativeID},
	{"root-message-id", rootMessageID},
	{"subject", subjectID},
}

// ThreadID derives the id for a group of messages
func ThreadID(members []mail.Message) string {
	for _, s := range threadIDStrategies {
		if id, ok := s.fn(members); ok {
			return id
		}
	}
	return ""
}

func nativeID(members []mail.Message) (string, bool) {
	id := members[0].ThreadID
	if id == "" {
		return "", false
	}
	for _, m := range members[1:] {
		if m.ThreadID != id {
			return "", false
		}
	}
	return id, true
}

func rootMessageID(members []mail.Message) (string, bool) {
	idx := make([]int, len(members))
	for i := range idx {
		idx[i] = i
	}
	root := earliest(members, idx)

	// Prefer the oldest referenced ancestor so that a thread keeps its id as replies arrive
	ref := ""
	if ps := parents(root); len(ps) > 0 {
		ref = ps[0]
	} else {
		ref = normID(root.InternetMessageID)
	}
	if ref == "" {
		return "", false
	}
	return uuid.NewSHA1(threadNamespace, []byte("mid:"+ref)).String(), true
}

func subjectID(members []mail.Message) (string, bool) {
	subj := NormalizeSubject(members[0].Subject)
	return uuid.NewSHA1(threadNamespace, []byte("subj:"+subj+"|"+members[0].AccountID)).String(), true
}
