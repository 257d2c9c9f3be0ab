// ABOUTME: Closed enumeration of intents the gateway can route on
// ABOUTME: Normalizes classifier labels, including legacy aliases, into Intent values

package intent

import "strings"

// Intent is a routing label produced by a classifier
type Intent string

const (
	TrackOrder    Intent = "track_order"
	RequestReturn Intent = "request_return"
	RequestRefund Intent = "request_refund"
	ProductInfo   Intent = "product_info"
	ShippingInfo  Intent = "shipping_info"
	PriceQuery    Intent = "price_query"
	Availability  Intent = "availability"
	AccountIssue  Intent = "account_issue"
	HumanAgent    Intent = "human_agent"
	GeneralQuery  Intent = "general_query"
	Greet         Intent = "greet"
	Goodbye       Intent = "goodbye"

	// EmptyMessage is assigned by the caller to blank input without a classifier call
	EmptyMessage Intent = "empty_message"

	// Fallback absorbs unknown labels and classifier outages
	Fallback Intent = "fallback"
)

var all = []Intent{
	TrackOrder,
	RequestReturn,
	RequestRefund,
	ProductInfo,
	ShippingInfo,
	PriceQuery,
	Availability,
	AccountIssue,
	HumanAgent,
	GeneralQuery,
	Greet,
	Goodbye,
	EmptyMessage,
	Fallback,
}

// aliases maps labels emitted by older classifier models onto current intents.
var aliases = map[string]Intent{
	"product_inquiry":     ProductInfo,
	"request_human_agent": HumanAgent,
	"other_fallback":      Fallback,
}

// All returns every known intent, including EmptyMessage and Fallback.
func All() []Intent {
	out := make([]Intent, len(all))
	copy(out, all)
	return out
}

// Parse maps a raw label onto a known intent. Matching is case-insensitive and
// ignores surrounding whitespace. The second return is false when the label was
// unknown and Fallback was substituted.
func Parse(label string) (Intent, bool) {
	norm := strings.ToLower(strings.TrimSpace(label))
	for _, in := range all {
		if string(in) == norm {
			return in, true
		}
	}
	if in, ok := aliases[norm]; ok {
		return in, true
	}
	return Fallback, false
}

// String returns the label.
func (i Intent) String() string {
	return string(i)
}

// NeedsOrder reports whether the intent acts on an order reference.
func (i Intent) NeedsOrder() bool {
	switch i {
	case TrackOrder, RequestReturn, RequestRefund, ShippingInfo:
		return true
	}
	return false
}

// NeedsProduct reports whether the intent acts on a product name.
func (i Intent) NeedsProduct() bool {
	switch i {
	case ProductInfo, PriceQuery, Availability:
		return true
	}
	return false
}
