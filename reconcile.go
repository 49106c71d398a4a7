package devwork

import (
	"sort"
	"time"
)

// Source identifies the path a message arrived on.
type Source string

const (
	SourceFetch   Source = "fetch"   // first history page
	SourceHistory Source = "history" // older history page
	SourceRoom    Source = "room"    // new-message push
	SourceUser    Source = "user"    // message-delivered-to-recipient push
	SourceLocal   Source = "local"   // optimistic insert
)

// Outcome describes what Apply did with an incoming message.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// clockSkew bounds how far the server clock may lag the local one when a
// fetched message is matched to a local send.
const clockSkew = time.Minute

// Reconciler merges messages from every source into one ordered list.
// All methods are pure: the input slice is never modified.
type Reconciler struct {
	SelfID string
}

// Apply merges m into list and returns the resulting list.
//
// A message whose server identity is already present is a re-delivery; the
// stored copy only adopts a readAt it was missing. A message authored by
// the current user replaces its optimistic placeholder in place, matched by
// client id when the server echoed one and by content otherwise. Anything
// else is inserted, appended for live pushes and prepended for history.
// The result is always in creation-timestamp order.
func (r Reconciler) Apply(list []Message, m Message, src Source) ([]Message, Outcome) {
	if m.ID == "" {
		return list, OutcomeIgnored
	}

	if src != SourceLocal {
		if i := indexByID(list, m.ID); i >= 0 {
			out := cloneMessages(list)
			if out[i].ReadAt == nil && m.ReadAt != nil {
				out[i].ReadAt = m.ReadAt
			}
			// an exact client id twin still waiting is the same message
			if m.ClientID != "" {
				if j := r.indexOptimistic(out, m); j >= 0 && j != i {
					out = append(out[:j], out[j+1:]...)
				}
			}
			return out, OutcomeDuplicate
		}

		if j := r.indexOptimistic(list, m); j >= 0 {
			out := cloneMessages(list)
			confirmed := m
			confirmed.Status = DeliverySent
			if confirmed.ClientID == "" {
				confirmed.ClientID = out[j].ClientID
			}
			out[j] = confirmed
			sortByCreated(out)
			return out, OutcomeConfirmed
		}
	}

	if m.Status == "" && src == SourceLocal {
		m.Status = DeliverySending
	}
	out := make([]Message, 0, len(list)+1)
	if src == SourceHistory {
		out = append(out, m)
		out = append(out, list...)
	} else {
		out = append(out, list...)
		out = append(out, m)
	}
	sortByCreated(out)
	return out, OutcomeInserted
}

// MergePage applies a fetched page and reports how many entries were new,
// plus the client ids of own messages the page confirmed or delivered
// again. Merging the same page twice leaves the list unchanged.
func (r Reconciler) MergePage(list []Message, page []Message, src Source) ([]Message, int, []string) {
	inserted := 0
	var settled []string
	apply := func(m Message) {
		var o Outcome
		list, o = r.Apply(list, m, src)
		switch o {
		case OutcomeInserted:
			inserted++
		case OutcomeConfirmed, OutcomeDuplicate:
			if i := indexByID(list, m.ID); i >= 0 && list[i].ClientID != "" {
				settled = append(settled, list[i].ClientID)
			}
		}
	}
	if src == SourceHistory {
		// prepend newest-first so the page keeps its own order at the front
		for i := len(page) - 1; i >= 0; i-- {
			apply(page[i])
		}
		return list, inserted, settled
	}
	for _, m := range page {
		apply(m)
	}
	return list, inserted, settled
}

// ClaimPending finds the fetched copy of a send that is no longer in list
// as a placeholder: the oldest own message in p's conversation with equal
// content, created no earlier than p less clock skew, and not already tied
// to another client id. The copy adopts p's client id. ok is false when
// nothing matches.
func (r Reconciler) ClaimPending(list []Message, p Message) ([]Message, bool) {
	if r.SelfID == "" || p.SenderID != r.SelfID {
		return list, false
	}
	sent, sentOK := p.Created()
	for i, m := range list {
		if m.IsOptimistic() || m.ClientID != "" || m.SenderID != r.SelfID ||
			m.ConversationID != p.ConversationID || m.Content != p.Content {
			continue
		}
		if created, ok := m.Created(); sentOK && ok && created.Before(sent.Add(-clockSkew)) {
			continue
		}
		out := cloneMessages(list)
		out[i].ClientID = p.ClientID
		out[i].Status = DeliverySent
		return out, true
	}
	return list, false
}

// MarkRead stamps readAt on the current user's unread messages in the
// conversation. Messages from the other participant are left alone.
func (r Reconciler) MarkRead(list []Message, conversationID, readAt string) ([]Message, int) {
	var out []Message
	n := 0
	for i, m := range list {
		if m.ConversationID != conversationID || m.SenderID != r.SelfID || m.ReadAt != nil {
			continue
		}
		if out == nil {
			out = cloneMessages(list)
		}
		ts := readAt
		out[i].ReadAt = &ts
		n++
	}
	if out == nil {
		return list, 0
	}
	return out, n
}

// indexOptimistic finds the placeholder an echo of m should replace. An
// echoed client id is exact and also rescues a placeholder already marked
// failed; without one the oldest pending entry with equal content wins.
func (r Reconciler) indexOptimistic(list []Message, m Message) int {
	if r.SelfID == "" || m.SenderID != r.SelfID {
		return -1
	}
	if m.ClientID != "" {
		for i, e := range list {
			if e.ClientID == m.ClientID && e.IsOptimistic() && e.ConversationID == m.ConversationID {
				return i
			}
		}
		return -1
	}
	failed := -1
	for i, e := range list {
		if !e.IsOptimistic() || e.ConversationID != m.ConversationID || e.Content != m.Content {
			continue
		}
		switch e.Status {
		case DeliverySending:
			return i
		case DeliveryError:
			if failed < 0 {
				failed = i
			}
		}
	}
	return failed
}

func indexByID(list []Message, id string) int {
	for i, m := range list {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func indexByClientID(list []Message, clientID string) int {
	if clientID == "" {
		return -1
	}
	for i, m := range list {
		if m.ClientID == clientID {
			return i
		}
	}
	return -1
}

func cloneMessages(list []Message) []Message {
	out := make([]Message, len(list))
	copy(out, list)
	return out
}

// sortByCreated orders by creation time; ties keep their current positions.
func sortByCreated(list []Message) {
	sort.SliceStable(list, func(i, j int) bool {
		return createdBefore(list[i], list[j])
	})
}

func createdBefore(a, b Message) bool {
	ta, okA := a.Created()
	tb, okB := b.Created()
	if okA && okB {
		return ta.Before(tb)
	}
	return a.CreatedAt < b.CreatedAt
}

// ============================================================================
// Day grouping
// ============================================================================

// DayGroup is a run of messages sharing a calendar day.
type DayGroup struct {
	Key      string // yyyy-mm-dd, or the raw timestamp when it cannot be parsed
	Label    string
	Messages []Message
}

// GroupByDay buckets messages by calendar day in now's location. Groups keep
// the list's order. A malformed timestamp becomes its own group labelled
// with the raw value.
func GroupByDay(list []Message, now time.Time) []DayGroup {
	loc := now.Location()
	today := now.Format("2006-01-02")
	yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")

	var groups []DayGroup
	index := map[string]int{}
	for _, m := range list {
		key, label := m.CreatedAt, m.CreatedAt
		if t, ok := m.Created(); ok {
			t = t.In(loc)
			key = t.Format("2006-01-02")
			switch key {
			case today:
				label = "Today"
			case yesterday:
				label = "Yesterday"
			default:
				label = t.Format("January 2, 2006")
			}
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, DayGroup{Key: key, Label: label})
		}
		groups[i].Messages = append(groups[i].Messages, m)
	}
	return groups
}
