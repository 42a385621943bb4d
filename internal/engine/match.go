// Package engine implements the auto-reply flow execution engine: keyword
// matching, condition evaluation, content rendering and the per-conversation
// execution state machine.
package engine

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/ReplyFlow/ReplyFlow/internal/models"
)

// MatchFlows returns the flows that are candidates for the inbound message, in
// selection order. Only active flows of the message's platform are considered.
// A flow matches when its trigger keyword set is empty (catch-all) or the
// message text contains at least one keyword as a case-insensitive substring.
//
// Candidates are ordered so that keyword-triggered flows precede catch-all
// flows, and more recently created flows precede older ones. Catch-all flows
// must not starve specific ones.
func MatchFlows(flows []models.Flow, msg models.InboundMessage) []models.Flow {
	text := strings.ToLower(msg.Text)

	var matched []models.Flow
	for _, f := range flows {
		if !f.IsActive || f.Platform != msg.Platform {
			continue
		}
		if matchesKeywords(f, text) {
			matched = append(matched, f)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		ci, cj := matched[i].IsCatchAll(), matched[j].IsCatchAll()
		if ci != cj {
			return !ci
		}
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	slog.Debug("MatchFlows", "accountID", msg.AccountID, "platform", msg.Platform, "candidates", len(matched))
	return matched
}

// matchesKeywords checks the keyword trigger against lowercased message text.
// Matching is substring, not tokenized word match, for compatibility with
// simple user-authored keyword lists.
func matchesKeywords(f models.Flow, lowerText string) bool {
	hasKeyword := false
	for _, kw := range f.TriggerKeywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		hasKeyword = true
		if strings.Contains(lowerText, strings.ToLower(kw)) {
			return true
		}
	}
	// An empty (or effectively empty) keyword set matches any message.
	return !hasKeyword
}
