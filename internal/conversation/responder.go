// ABOUTME: Automated replies for non-escalated turns
// ABOUTME: Exhaustive switch over the intent set, delegating lookups to the commerce client

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/triage-gateway/internal/commerce"
	"github.com/2389/triage-gateway/internal/entity"
	"github.com/2389/triage-gateway/internal/intent"
)

// lowConfidenceGeneral is the confidence below which a general query gets a
// rephrase prompt instead of the capabilities blurb.
const lowConfidenceGeneral = 0.3

const (
	replyGreet        = "Hello! How can I assist you today?"
	replyGoodbye      = "Goodbye! Have a great day."
	replyCapabilities = "I'm here to help with orders, products, returns, and shipping. How can I assist you today?"
	replyRephrase     = "I'm not quite sure what you mean. Could you please rephrase your question?"
	replyFallback     = "I'm not sure how to help with that. Could you try rephrasing, or ask about orders, returns, or products?"
	replyHumanAgent   = "I see you'd like to speak to a human agent. I'll escalate this for you."
	replyRefund       = "For refunds, please tell me your order ID or refund reference number. Refunds go to the original payment method once a return is received."
	replyAccount      = "For account issues, please visit the account help page. You can also reset your password from the sign-in screen."
	replyBackendDown  = "Sorry, I couldn't reach our store systems just now. Please try again in a moment."
)

// Responder produces the automated reply for a classified turn.
type Responder struct {
	commerce commerce.Client
	logger   *slog.Logger
}

// NewResponder creates a responder. Pass nil logger for default.
func NewResponder(client commerce.Client, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		commerce: client,
		logger:   logger.With("component", "responder"),
	}
}

// Respond returns the reply text for in. Commerce failures are answered with
// a polite message rather than returned.
func (r *Responder) Respond(ctx context.Context, in intent.Intent, confidence float64, entities map[string]string) string {
	switch in {
	case intent.Greet:
		return replyGreet
	case intent.Goodbye:
		return replyGoodbye
	case intent.TrackOrder:
		return r.trackOrder(ctx, entities[entity.OrderID])
	case intent.ShippingInfo:
		return r.shipping(ctx, entities[entity.OrderID])
	case intent.RequestReturn:
		item := entities[entity.ItemSKU]
		if item == "" {
			item = entities[entity.ProductNameQuery]
		}
		return r.requestReturn(ctx, entities[entity.OrderID], item)
	case intent.RequestRefund:
		return replyRefund
	case intent.ProductInfo, intent.PriceQuery, intent.Availability:
		return r.product(ctx, in, entities[entity.ProductNameQuery])
	case intent.AccountIssue:
		return replyAccount
	case intent.HumanAgent:
		return replyHumanAgent
	case intent.GeneralQuery:
		if confidence < lowConfidenceGeneral {
			return replyRephrase
		}
		return replyCapabilities
	case intent.EmptyMessage:
		return replyCapabilities
	case intent.Fallback:
		return replyFallback
	default:
		return replyFallback
	}
}

func (r *Responder) trackOrder(ctx context.Context, orderID string) string {
	if orderID == "" {
		return "I can help you track an order. What is your order ID, please?"
	}

	o, err := r.commerce.GetOrderDetails(ctx, orderID)
	if errors.Is(err, commerce.ErrNotFound) {
		return fmt.Sprintf("Sorry, I couldn't find details for order ID '%s'. Please check the ID and try again.", orderID)
	}
	if err != nil {
		return r.backendDown("get_order_details", err)
	}

	text := fmt.Sprintf("Order %s: Status is '%s'.", orderID, o.Status)
	if o.EstimatedDelivery != "" {
		text += fmt.Sprintf(" Estimated delivery: %s.", o.EstimatedDelivery)
	}
	return text
}

func (r *Responder) shipping(ctx context.Context, orderID string) string {
	if orderID == "" {
		return "Are you asking about shipping for a specific order, or our general shipping policies?"
	}

	s, err := r.commerce.CheckShipping(ctx, orderID)
	if errors.Is(err, commerce.ErrNotFound) {
		return fmt.Sprintf("I couldn't find shipping info for order %s. You can also check our general shipping policies on the website.", orderID)
	}
	if err != nil {
		return r.backendDown("check_shipping", err)
	}

	switch {
	case s.TrackingNumber != "":
		text := fmt.Sprintf("Order %s has shipped. Tracking number: %s.", orderID, s.TrackingNumber)
		if s.EstimatedDelivery != "" {
			text += fmt.Sprintf(" Estimated delivery: %s.", s.EstimatedDelivery)
		}
		return text
	case s.DeliveryDate != "":
		return fmt.Sprintf("Order %s was delivered on %s.", orderID, s.DeliveryDate)
	default:
		text := fmt.Sprintf("Order %s is currently %s.", orderID, s.Status)
		if s.Message != "" {
			text += " " + s.Message
		}
		return text
	}
}

func (r *Responder) requestReturn(ctx context.Context, orderID, item string) string {
	if orderID == "" {
		return "I can help with returns. What is your order ID?"
	}
	if item == "" {
		return fmt.Sprintf("For order %s, which item would you like to return? Please provide the item name or SKU.", orderID)
	}

	ret, err := r.commerce.RequestReturn(ctx, orderID, item, "User requested via chat")
	if errors.Is(err, commerce.ErrNotFound) {
		return fmt.Sprintf("Sorry, I couldn't process the return for item '%s' from order '%s'. Please check the order ID and item name.", item, orderID)
	}
	if err != nil {
		return r.backendDown("request_return", err)
	}

	return fmt.Sprintf("Return request for item '%s' from order '%s': %s. Return ID: %s. %s",
		item, orderID, ret.Status, ret.ReturnID, ret.Message)
}

func (r *Responder) product(ctx context.Context, in intent.Intent, query string) string {
	if query == "" {
		switch in {
		case intent.PriceQuery:
			return "Which product's price are you interested in?"
		case intent.Availability:
			return "Which product's availability would you like to check?"
		default:
			return "Sure, I can look up product information. Which product are you interested in?"
		}
	}

	p, err := r.commerce.GetProductInfo(ctx, query)
	if errors.Is(err, commerce.ErrNotFound) {
		switch in {
		case intent.PriceQuery:
			return fmt.Sprintf("I couldn't find pricing for '%s'. Please try another product name.", query)
		case intent.Availability:
			return fmt.Sprintf("I couldn't check availability for '%s'. Please try another product name.", query)
		default:
			return fmt.Sprintf("I couldn't find information about '%s'. Could you be more specific or try a different product name?", query)
		}
	}
	if err != nil {
		return r.backendDown("get_product_info", err)
	}

	stock := "out of stock"
	if p.InStock {
		stock = "in stock"
	}

	switch in {
	case intent.PriceQuery:
		return fmt.Sprintf("The price for '%s' is $%.2f.", p.Name, p.Price)
	case intent.Availability:
		return fmt.Sprintf("'%s' is currently %s.", p.Name, stock)
	default:
		return fmt.Sprintf("Regarding '%s': %s Price: $%.2f. Currently %s.", p.Name, p.Description, p.Price, stock)
	}
}

func (r *Responder) backendDown(op string, err error) string {
	r.logger.Error("commerce call failed", "op", op, "error", err)
	return replyBackendDown
}
