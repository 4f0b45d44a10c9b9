package gmail

import (
	"sort"
	"strings"

	"mailswipe/internal/model"
	"mailswipe/internal/unsubscribe"
)

// AggregateBySenderSubject builds groups from a provided slice of MessageRef using
// NormalizeSender(msg.From) + exact, case-sensitive msg.Subject as the key.
// DateRFC3339 is expected to already be RFC3339; comparisons are string-based.
func AggregateBySenderSubject(msgs []model.MessageRef) map[string]*model.SenderGroup {
	groups := make(map[string]*model.SenderGroup)
	for _, m := range msgs {
		email := NormalizeSender(m.From)
		if email == "" {
			continue
		}
		subject := m.Subject
		key := email + "||" + subject
		g, ok := groups[key]
		if !ok {
			g = &model.SenderGroup{
				Email:       email,
				Subject:     subject,
				DisplayName: displayNameFromFrom(m.From, email),
			}
			groups[key] = g
		}
		g.Count++
		if g.Sample == "" && subject != "" {
			g.Sample = subject
		}
		ts := strings.TrimSpace(m.DateRFC3339)
		if ts != "" {
			if g.FirstDate == "" || ts < g.FirstDate {
				g.FirstDate = ts
			}
			if g.LastDate == "" || ts > g.LastDate {
				g.LastDate = ts
			}
		}
		if m.ID != "" {
			g.MessageIDs = append(g.MessageIDs, m.ID)
		}
		// First HTTP unsubscribe link seen in the group wins.
		if g.UnsubscribeURL == "" && m.ListUnsubscribe != "" {
			c := unsubscribe.ExtractCandidates(m.ListUnsubscribe, "", nil)
			if len(c.HTTPURLs) > 0 {
				g.UnsubscribeURL = c.HTTPURLs[0]
			}
		}
	}
	return groups
}

// SortGroups returns a stable slice sorted by Count desc, then Email asc, then Subject asc.
func SortGroups(m map[string]*model.SenderGroup) []model.SenderGroup {
	out := make([]model.SenderGroup, 0, len(m))
	for _, g := range m {
		out = append(out, *g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			if out[i].Email == out[j].Email {
				return out[i].Subject < out[j].Subject
			}
			return out[i].Email < out[j].Email
		}
		return out[i].Count > out[j].Count
	})
	return out
}
