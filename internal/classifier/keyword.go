// ABOUTME: Rule-table intent classifier that needs no model
// ABOUTME: First matching rule wins; used as the default and as a local fallback

package classifier

import (
	"context"
	"regexp"
	"strings"

	"github.com/2389/triage-gateway/internal/intent"
)

// Confidences reported by the keyword classifier
const (
	KeywordMatchConfidence   = 0.85
	KeywordNoMatchConfidence = 0.3
)

type rule struct {
	intent intent.Intent
	re     *regexp.Regexp
}

func wordsRule(in intent.Intent, phrases ...string) rule {
	quoted := make([]string, len(phrases))
	for i, p := range phrases {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return rule{intent: in, re: regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)}
}

// Order matters: more specific requests are checked before generic ones.
var defaultRules = []rule{
	wordsRule(intent.HumanAgent, "human", "agent", "real person", "representative", "operator", "talk to someone", "speak to someone"),
	wordsRule(intent.Goodbye, "bye", "goodbye", "see you", "that's all", "farewell"),
	wordsRule(intent.RequestRefund, "refund", "money back", "reimburse"),
	wordsRule(intent.RequestReturn, "return", "send back", "send it back"),
	wordsRule(intent.ShippingInfo, "shipping", "shipped", "ship", "delivery", "deliver", "tracking number"),
	wordsRule(intent.TrackOrder, "track", "order status", "where is my order", "order"),
	wordsRule(intent.PriceQuery, "price", "how much", "cost", "costs"),
	wordsRule(intent.Availability, "in stock", "available", "availability", "stock"),
	wordsRule(intent.AccountIssue, "account", "password", "login", "log in", "sign in"),
	wordsRule(intent.ProductInfo, "tell me about", "info on", "product", "details about", "information about"),
	wordsRule(intent.Greet, "hello", "hi", "hey", "good morning", "good afternoon", "good evening"),
}

// Keyword classifies by matching phrases at word boundaries.
type Keyword struct {
	rules []rule
}

// NewKeyword creates a keyword classifier with the built-in rule table.
func NewKeyword() *Keyword {
	return &Keyword{rules: defaultRules}
}

// Name identifies the classifier in logs and health output.
func (k *Keyword) Name() string { return "keyword" }

// Classify implements intent.Classifier.
func (k *Keyword) Classify(ctx context.Context, text string) (intent.Result, error) {
	for _, r := range k.rules {
		if r.re.MatchString(text) {
			return intent.Validate(intent.Raw{Intent: string(r.intent), Confidence: KeywordMatchConfidence})
		}
	}
	return intent.Validate(intent.Raw{Intent: string(intent.GeneralQuery), Confidence: KeywordNoMatchConfidence})
}
