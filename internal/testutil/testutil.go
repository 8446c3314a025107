// Package testutil builds realtime order payloads for tests.
package testutil

import (
	"encoding/json"
	"testing"

	"github.com/recomma/ordersync/order"
)

type PayloadOpt func(map[string]any)

// NewOrderPayload returns the JSON payload of an order event as the socket
// delivers it. The default order is PENDING with a single line item.
func NewOrderPayload(t *testing.T, orderID string, updatedAt int64, opts ...PayloadOpt) []byte {
	t.Helper()

	payload := map[string]any{
		"orderId":             orderID,
		"status":              string(order.StatusPending),
		"updatedAt":           updatedAt,
		"customerId":          "customer-1",
		"restaurantId":        "restaurant-1",
		"totalAmount":         24.5,
		"totalRestaurantEarn": 20.0,
		"orderItems": []any{
			item("pizza", "large", "Large", "Pizza", 1, 24.5),
		},
		"restaurantAddress": map[string]any{
			"street":   "Oudegracht 1",
			"city":     "Utrecht",
			"location": map[string]any{"lat": 52.0907, "lng": 5.1214},
		},
		"customerAddress": map[string]any{
			"street":   "Biltstraat 99",
			"city":     "Utrecht",
			"location": map[string]any{"lat": 52.0946, "lng": 5.1323},
		},
	}
	for _, opt := range opts {
		opt(payload)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal order payload: %v", err)
	}
	return raw
}

func item(itemID, variantID, variantName, name string, qty int, price float64) map[string]any {
	out := map[string]any{
		"itemId":    itemID,
		"variantId": variantID,
		"name":      name,
		"quantity":  qty,
		"price":     price,
	}
	if variantName != "" {
		out["variantName"] = variantName
	}
	return out
}

// Modifiers
func WithStatus(status order.Status) PayloadOpt {
	return func(p map[string]any) { p["status"] = string(status) }
}
func WithItem(itemID, variantID, variantName, name string, qty int, price float64) PayloadOpt {
	return func(p map[string]any) {
		items, _ := p["orderItems"].([]any)
		p["orderItems"] = append(items, item(itemID, variantID, variantName, name, qty, price))
	}
}
func WithoutItems() PayloadOpt {
	return func(p map[string]any) { p["orderItems"] = []any{} }
}

// WithoutVariantNames strips variantName from every line item, as accept
// responses do.
func WithoutVariantNames() PayloadOpt {
	return func(p map[string]any) {
		items, _ := p["orderItems"].([]any)
		for _, it := range items {
			if m, ok := it.(map[string]any); ok {
				delete(m, "variantName")
			}
		}
	}
}
func WithDriver(id, name string) PayloadOpt {
	return func(p map[string]any) {
		p["driverId"] = id
		p["driver"] = map[string]any{"id": id, "name": name, "rating": 4.9}
	}
}
func WithNullDriver() PayloadOpt {
	return func(p map[string]any) { p["driverId"] = nil }
}
func WithField(key string, value any) PayloadOpt {
	return func(p map[string]any) { p[key] = value }
}
func WithoutField(key string) PayloadOpt {
	return func(p map[string]any) { delete(p, key) }
}
