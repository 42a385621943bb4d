package engine

import (
	"testing"

	"github.com/ReplyFlow/ReplyFlow/internal/models"
)

func metadataMessage(metadata map[string]string) models.InboundMessage {
	return models.InboundMessage{
		AccountID:       "acct1",
		Platform:        models.PlatformInstagram,
		ConversationKey: "instagram:user1",
		Text:            "hello world",
		SenderMetadata:  metadata,
	}
}

func TestEvaluateConditionAlways(t *testing.T) {
	msg := metadataMessage(nil)
	if !EvaluateCondition("always", "", msg) {
		t.Error("always condition should hold")
	}
	if !EvaluateCondition("", "", msg) {
		t.Error("empty condition should behave like always")
	}
	if !EvaluateCondition("  always  ", "", msg) {
		t.Error("condition name should be trimmed")
	}
}

func TestEvaluateConditionMetadataEquality(t *testing.T) {
	msg := metadataMessage(map[string]string{"tier": "vip", "lang": "en "})

	if !EvaluateCondition("tier", "vip", msg) {
		t.Error("matching metadata field should hold")
	}
	if EvaluateCondition("tier", "basic", msg) {
		t.Error("mismatched metadata value should fail")
	}
	if !EvaluateCondition("lang", " en", msg) {
		t.Error("comparison should trim whitespace on both sides")
	}
}

func TestEvaluateConditionUnknownFieldFailsClosed(t *testing.T) {
	msg := metadataMessage(map[string]string{"tier": "vip"})
	if EvaluateCondition("follower_count", "1000", msg) {
		t.Error("unknown metadata field should fail closed")
	}
	if EvaluateCondition("anything", "x", metadataMessage(nil)) {
		t.Error("nil metadata should fail closed")
	}
}

func TestEvaluateConditionExpression(t *testing.T) {
	msg := metadataMessage(map[string]string{"tier": "vip"})

	if !EvaluateCondition(models.ConditionExpression, `metadata.tier == "vip"`, msg) {
		t.Error("true expression should hold")
	}
	if EvaluateCondition(models.ConditionExpression, `metadata.tier == "basic"`, msg) {
		t.Error("false expression should fail")
	}
	if !EvaluateCondition(models.ConditionExpression, `platform == "instagram" && message contains "hello"`, msg) {
		t.Error("expression over platform and message should hold")
	}
}

func TestEvaluateConditionExpressionFailsClosed(t *testing.T) {
	msg := metadataMessage(nil)

	if EvaluateCondition(models.ConditionExpression, `this is not (valid`, msg) {
		t.Error("malformed expression should fail closed")
	}
	if EvaluateCondition(models.ConditionExpression, ``, msg) {
		t.Error("empty expression should fail closed")
	}
	if EvaluateCondition(models.ConditionExpression, `metadata.missing == "x"`, msg) {
		t.Error("expression over missing metadata should fail closed")
	}
}
