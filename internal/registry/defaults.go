package registry

import (
	"context"
	"fmt"
	"strconv"

	"github.com/avonite/ledgersync/internal/remote"
)

// restResource wires a plain REST-listed resource against the client
func restResource(client remote.Client, name, table string, order int) *Resource {
	return &Resource{
		Name:      name,
		Order:     order,
		TableName: table,
		List: func(ctx context.Context, params remote.ListParams) (remote.Page, error) {
			return client.List(ctx, name, params)
		},
		Retrieve: func(ctx context.Context, id string) (remote.Object, error) {
			return client.Retrieve(ctx, name, id)
		},
		SupportsCreatedFilter: true,
	}
}

// childExpand pages through a named child collection filtered by parent id
func childExpand(client remote.Client, childObject, parentField string) ExpandFn {
	return func(ctx context.Context, parent remote.Object, params remote.ListParams) (remote.Page, error) {
		params.Filter = map[string]string{parentField: remote.ID(parent)}
		return client.List(ctx, childObject, params)
	}
}

// Default builds the full resource set for the provider's object graph.
// Order is the dependency order: referenced types come before referencing
// ones so opportunistic parent backfills find their targets configured.
func Default(client remote.Client) (*Registry, error) {
	product := restResource(client, "product", "products", 1)

	price := restResource(client, "price", "prices", 2)
	price.Dependencies = map[string]string{"product": "product"}

	plan := restResource(client, "plan", "plans", 3)
	plan.Dependencies = map[string]string{"product": "product"}

	coupon := restResource(client, "coupon", "coupons", 4)

	customer := restResource(client, "customer", "customers", 5)

	subscription := restResource(client, "subscription", "subscriptions", 6)
	subscription.Dependencies = map[string]string{"customer": "customer"}
	subscription.ListExpands = map[string]ExpandFn{
		"items": childExpand(client, "subscription_item", "subscription"),
	}
	subscription.ChildList = "items"
	subscription.ChildTable = "subscription_items"
	subscription.ChildParentField = "subscription"

	invoice := restResource(client, "invoice", "invoices", 7)
	invoice.Dependencies = map[string]string{
		"customer":     "customer",
		"subscription": "subscription",
	}
	invoice.ListExpands = map[string]ExpandFn{
		"lines": childExpand(client, "line_item", "invoice"),
	}

	charge := restResource(client, "charge", "charges", 8)
	charge.Dependencies = map[string]string{
		"customer": "customer",
		"invoice":  "invoice",
	}

	paymentIntent := restResource(client, "payment_intent", "payment_intents", 9)
	paymentIntent.Dependencies = map[string]string{
		"customer": "customer",
		"invoice":  "invoice",
	}

	setupIntent := restResource(client, "setup_intent", "setup_intents", 10)
	setupIntent.Dependencies = map[string]string{"customer": "customer"}

	paymentMethod := restResource(client, "payment_method", "payment_methods", 11)
	paymentMethod.Dependencies = map[string]string{"customer": "customer"}
	// Listing requires a customer filter remotely; incremental narrowing by
	// creation time is not offered on this endpoint.
	paymentMethod.SupportsCreatedFilter = false

	dispute := restResource(client, "dispute", "disputes", 12)
	dispute.Dependencies = map[string]string{"charge": "charge"}

	refund := restResource(client, "refund", "refunds", 13)
	refund.Dependencies = map[string]string{"charge": "charge"}

	creditNote := restResource(client, "credit_note", "credit_notes", 14)
	creditNote.Dependencies = map[string]string{
		"customer": "customer",
		"invoice":  "invoice",
	}

	earlyFraudWarning := restResource(client, "early_fraud_warning", "early_fraud_warnings", 15)
	earlyFraudWarning.Dependencies = map[string]string{"charge": "charge"}
	// Fraud warnings never mutate after emission; webhook payloads are
	// trusted as-is.
	earlyFraudWarning.IsFinalState = func(remote.Object) bool { return true }

	exchangeRate := &Resource{
		Name:  "exchange_rate",
		Order: 16,
		Analytical: &Analytical{
			Source:        "exchange_rates",
			Table:         "exchange_rates",
			CursorColumns: []string{"created", "id"},
			Columns:       []string{"created", "id", "currency", "rate"},
			PageSize:      1000,
			Normalize:     normalizeExchangeRate,
		},
	}

	return New(
		product, price, plan, coupon, customer, subscription, invoice,
		charge, paymentIntent, setupIntent, paymentMethod, dispute, refund,
		creditNote, earlyFraudWarning, exchangeRate,
	)
}

func normalizeExchangeRate(row map[string]string) (remote.Object, error) {
	id := row["id"]
	if id == "" {
		return nil, fmt.Errorf("exchange_rate row missing id")
	}
	created, err := strconv.ParseInt(row["created"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("exchange_rate %s: bad created %q", id, row["created"])
	}
	rate, err := strconv.ParseFloat(row["rate"], 64)
	if err != nil {
		return nil, fmt.Errorf("exchange_rate %s: bad rate %q", id, row["rate"])
	}
	return remote.Object{
		"id":       id,
		"object":   "exchange_rate",
		"created":  created,
		"currency": row["currency"],
		"rate":     rate,
	}, nil
}
