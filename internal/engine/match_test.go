package engine

import (
	"testing"
	"time"

	"github.com/ReplyFlow/ReplyFlow/internal/models"
)

func makeFlow(id string, platform models.Platform, keywords []string, createdAt time.Time) models.Flow {
	return models.Flow{
		ID:              id,
		AccountID:       "acct1",
		Platform:        platform,
		IsActive:        true,
		TriggerKeywords: keywords,
		Steps:           []models.Step{{StepNumber: 1, Type: models.StepTypeImmediate, ReplyContent: "hi"}},
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
}

func makeMessage(platform models.Platform, text string) models.InboundMessage {
	return models.InboundMessage{
		AccountID:       "acct1",
		Platform:        platform,
		ConversationKey: models.ConversationKey(platform, "user1"),
		Text:            text,
		ReceivedAt:      time.Now(),
	}
}

func TestMatchFlowsKeywordSubstring(t *testing.T) {
	flows := []models.Flow{makeFlow("f1", models.PlatformInstagram, []string{"pricing"}, time.Now())}

	msg := makeMessage(models.PlatformInstagram, "What's your PRICING like?")
	if got := MatchFlows(flows, msg); len(got) != 1 {
		t.Fatalf("expected case-insensitive substring match, got %d candidates", len(got))
	}

	msg = makeMessage(models.PlatformInstagram, "hello there")
	if got := MatchFlows(flows, msg); len(got) != 0 {
		t.Fatalf("expected no match, got %d candidates", len(got))
	}
}

func TestMatchFlowsFiltersPlatformAndActive(t *testing.T) {
	now := time.Now()
	wrongPlatform := makeFlow("f1", models.PlatformTwitter, []string{"hello"}, now)
	inactive := makeFlow("f2", models.PlatformInstagram, []string{"hello"}, now)
	inactive.IsActive = false
	right := makeFlow("f3", models.PlatformInstagram, []string{"hello"}, now)

	msg := makeMessage(models.PlatformInstagram, "hello")
	got := MatchFlows([]models.Flow{wrongPlatform, inactive, right}, msg)
	if len(got) != 1 || got[0].ID != "f3" {
		t.Fatalf("expected only f3 to match, got %+v", got)
	}
}

func TestMatchFlowsCatchAll(t *testing.T) {
	now := time.Now()
	catchAll := makeFlow("f1", models.PlatformInstagram, nil, now)

	msg := makeMessage(models.PlatformInstagram, "anything at all")
	if got := MatchFlows([]models.Flow{catchAll}, msg); len(got) != 1 {
		t.Fatalf("expected catch-all to match any message, got %d", len(got))
	}

	// Keywords trimming to empty behave like no keywords.
	blankKeywords := makeFlow("f2", models.PlatformInstagram, []string{" ", ""}, now)
	if got := MatchFlows([]models.Flow{blankKeywords}, msg); len(got) != 1 {
		t.Fatalf("expected blank-keyword flow to match any message, got %d", len(got))
	}
}

func TestMatchFlowsKeywordFlowPrecedesCatchAll(t *testing.T) {
	now := time.Now()
	// Catch-all is newer; the keyword flow must still rank first.
	keyword := makeFlow("f1", models.PlatformInstagram, []string{"order"}, now.Add(-time.Hour))
	catchAll := makeFlow("f2", models.PlatformInstagram, nil, now)

	msg := makeMessage(models.PlatformInstagram, "where is my order?")
	got := MatchFlows([]models.Flow{catchAll, keyword}, msg)
	if len(got) != 2 {
		t.Fatalf("expected both flows to match, got %d", len(got))
	}
	if got[0].ID != "f1" {
		t.Errorf("expected keyword flow first, got %s", got[0].ID)
	}
}

func TestMatchFlowsNewerFlowWinsTie(t *testing.T) {
	older := makeFlow("f1", models.PlatformInstagram, []string{"hi"}, time.Now().Add(-time.Hour))
	newer := makeFlow("f2", models.PlatformInstagram, []string{"hi"}, time.Now())

	msg := makeMessage(models.PlatformInstagram, "hi")
	got := MatchFlows([]models.Flow{older, newer}, msg)
	if len(got) != 2 || got[0].ID != "f2" {
		t.Fatalf("expected newer flow first, got %+v", got)
	}
}
