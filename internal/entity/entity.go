// ABOUTME: Rule-based entity extraction from raw user text
// ABOUTME: Pulls order references and product phrases depending on the intent

package entity

import (
	"regexp"
	"sort"
	"strings"

	"github.com/2389/triage-gateway/internal/intent"
)

// Entity keys
const (
	OrderID          = "order_id"
	ProductNameQuery = "product_name_query"
	ItemSKU          = "item_sku"
)

var (
	// A run of five or more digits
	numericOrderRe = regexp.MustCompile(`\b(\d{5,})\b`)

	// ABC123-DEF456 style pairs or letters followed by four or more digits
	orderCodeRe = regexp.MustCompile(`\b([a-zA-Z0-9]{6,}-[a-zA-Z0-9]{6,}|[a-zA-Z]{2,}\d{4,})\b`)

	// Catalog SKUs such as SW001
	skuRe = regexp.MustCompile(`\b([A-Z]{2,4}\d{3,})\b`)

	returnRe = regexp.MustCompile(`(?i)\breturn(?:ing)?\b`)

	spaceRe = regexp.MustCompile(`\s+`)

	productStopRe = phraseRegexp([]string{
		"hi", "hello", "hey", "please", "thanks",
		"tell me about", "info on", "information on", "info about", "product info for",
		"what is", "what's", "what are", "can you", "could you", "do you have", "check if",
		"how much is", "how much does", "cost", "price of", "the price of", "availability of",
		"in stock", "available", "is", "are", "does",
		"the", "a", "an", "for", "of", "me",
	})

	returnStopRe = phraseRegexp([]string{
		"i want to", "i'd like to", "i would like to", "please", "can i", "how do i",
		"from", "order", "my", "the", "a", "an", "item", "in", "on", "number", "it",
	})
)

// phraseRegexp builds a case-insensitive alternation matching whole words,
// longest phrase first so "tell me about" wins over "me".
func phraseRegexp(phrases []string) *regexp.Regexp {
	sorted := make([]string, len(phrases))
	copy(sorted, phrases)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	quoted := make([]string, len(sorted))
	for i, p := range sorted {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// Extract derives entities from raw text for the given intent. The result is
// never nil; entities that could not be found are absent keys.
func Extract(in intent.Intent, text string) map[string]string {
	out := make(map[string]string)

	if in.NeedsOrder() {
		if id := findOrderID(text); id != "" {
			out[OrderID] = id
		}
	}

	if in.NeedsProduct() {
		if q := cleanPhrase(text, productStopRe); q != "" {
			out[ProductNameQuery] = q
		}
	}

	if in == intent.RequestReturn {
		extractReturnItem(text, out)
	}

	return out
}

// Merge combines classifier-provided entities with extracted ones. Classifier
// values win per key; extraction only fills gaps.
func Merge(classifier, extracted map[string]string) map[string]string {
	out := make(map[string]string, len(classifier)+len(extracted))
	for k, v := range extracted {
		out[k] = v
	}
	for k, v := range classifier {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

func findOrderID(text string) string {
	if m := numericOrderRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if m := orderCodeRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

func extractReturnItem(text string, out map[string]string) {
	orderID := out[OrderID]

	for _, m := range skuRe.FindAllStringSubmatch(text, -1) {
		if m[1] != orderID {
			out[ItemSKU] = m[1]
			return
		}
	}

	loc := returnRe.FindStringIndex(text)
	if loc == nil {
		return
	}
	rest := text[loc[1]:]
	if orderID != "" {
		rest = strings.ReplaceAll(rest, orderID, " ")
	}
	if q := cleanPhrase(rest, returnStopRe); q != "" {
		out[ProductNameQuery] = q
	}
}

// cleanPhrase lower-cases text, removes stop phrases and punctuation noise and
// collapses whitespace.
func cleanPhrase(text string, stop *regexp.Regexp) string {
	s := strings.ToLower(text)
	s = strings.NewReplacer("?", " ", "!", " ", ",", " ", ".", " ").Replace(s)
	s = stop.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
