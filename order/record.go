package order

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/oapi-codegen/nullable"
	"github.com/shopspring/decimal"
)

// Event names exchanged with the realtime socket.
const (
	EventIncomingOrder     = "incomingOrderForRestaurant"
	EventOrderStatus       = "notifyOrderStatus"
	EventAcceptWithDrivers = "restaurantAcceptWithAvailableDrivers"
)

// Record is the canonical tracked state of one order.
type Record struct {
	OrderID      string       `json:"orderId"`
	Status       Status       `json:"status"`
	TrackingInfo TrackingInfo `json:"trackingInfo"`
	// UpdatedAt is the server version marker in epoch milliseconds.
	UpdatedAt int64 `json:"updatedAt"`

	CustomerID   string                    `json:"customerId"`
	RestaurantID string                    `json:"restaurantId"`
	DriverID     nullable.Nullable[string] `json:"driverId,omitempty"`

	TotalAmount         decimal.Decimal `json:"totalAmount"`
	TotalRestaurantEarn decimal.Decimal `json:"totalRestaurantEarn"`
	CustomerNote        string          `json:"customerNote,omitempty"`

	OrderItems        []Item  `json:"orderItems"`
	RestaurantAddress Address `json:"restaurantAddress"`
	CustomerAddress   Address `json:"customerAddress"`

	Driver       *Driver       `json:"driver,omitempty"`
	Cancellation *Cancellation `json:"cancellation,omitempty"`
}

type Item struct {
	ItemID          string          `json:"itemId"`
	VariantID       string          `json:"variantId"`
	VariantName     string          `json:"variantName"`
	Name            string          `json:"name"`
	Quantity        int             `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	DiscountedPrice decimal.Decimal `json:"discountedPrice"`
}

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Address struct {
	Street      string   `json:"street"`
	City        string   `json:"city"`
	Nationality string   `json:"nationality"`
	PostalCode  string   `json:"postalCode"`
	Location    Location `json:"location"`
	Title       string   `json:"title"`
	IsDefault   bool     `json:"isDefault"`
}

type Vehicle struct {
	Type  string `json:"type"`
	Model string `json:"model"`
	Plate string `json:"plate"`
	Color string `json:"color"`
}

type Driver struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Avatar  string  `json:"avatar"`
	Rating  float64 `json:"rating"`
	Vehicle Vehicle `json:"vehicle"`
}

type Cancellation struct {
	Title       string `json:"title"`
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

// Version returns the synthetic correlation id for this record's version.
func (r Record) Version() string {
	return EventID(r.OrderID, r.UpdatedAt)
}

// DriverIDValue returns the assigned driver id, or "" when null or absent.
func (r Record) DriverIDValue() string {
	if !r.DriverID.IsSpecified() || r.DriverID.IsNull() {
		return ""
	}
	v, err := r.DriverID.Get()
	if err != nil {
		return ""
	}
	return v
}

// Clone returns a deep copy so callers never share slices, maps or pointers
// with the tracker.
func (r Record) Clone() Record {
	out := r
	if r.OrderItems != nil {
		out.OrderItems = make([]Item, len(r.OrderItems))
		copy(out.OrderItems, r.OrderItems)
	}
	if r.DriverID != nil {
		out.DriverID = make(nullable.Nullable[string], len(r.DriverID))
		for k, v := range r.DriverID {
			out.DriverID[k] = v
		}
	}
	if r.Driver != nil {
		d := *r.Driver
		out.Driver = &d
	}
	if r.Cancellation != nil {
		c := *r.Cancellation
		out.Cancellation = &c
	}
	return out
}

// CarryVariantNames copies VariantName from prev into items of next that
// lack one. Items are matched by ItemID+VariantID first and by position when
// the ids are missing. When next has no items at all, prev's items are
// carried over whole. Accept-order responses omit variant names, so callers
// merge them forward before upserting.
func CarryVariantNames(prev, next Record) Record {
	if len(prev.OrderItems) == 0 {
		return next
	}
	if len(next.OrderItems) == 0 {
		out := next.Clone()
		out.OrderItems = make([]Item, len(prev.OrderItems))
		copy(out.OrderItems, prev.OrderItems)
		return out
	}

	type itemKey struct{ item, variant string }
	known := make(map[itemKey]string, len(prev.OrderItems))
	for _, it := range prev.OrderItems {
		if it.VariantName == "" || (it.ItemID == "" && it.VariantID == "") {
			continue
		}
		known[itemKey{it.ItemID, it.VariantID}] = it.VariantName
	}

	out := next.Clone()
	for i := range out.OrderItems {
		it := &out.OrderItems[i]
		if it.VariantName != "" {
			continue
		}
		if it.ItemID != "" || it.VariantID != "" {
			if name, ok := known[itemKey{it.ItemID, it.VariantID}]; ok {
				it.VariantName = name
				continue
			}
		}
		if i < len(prev.OrderItems) && sameLine(prev.OrderItems[i], *it) {
			it.VariantName = prev.OrderItems[i].VariantName
		}
	}
	return out
}

func sameLine(a, b Item) bool {
	if a.ItemID != "" && b.ItemID != "" {
		return a.ItemID == b.ItemID
	}
	return a.Name == b.Name
}

// SortByUpdatedDesc orders records newest first, breaking ties by id so the
// result is deterministic.
func SortByUpdatedDesc(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].UpdatedAt != records[j].UpdatedAt {
			return records[i].UpdatedAt > records[j].UpdatedAt
		}
		return records[i].OrderID < records[j].OrderID
	})
}

// FilterActive returns the records whose status is active.
func FilterActive(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Status.IsActive() {
			out = append(out, r)
		}
	}
	return out
}

// QueuedEvent is a raw realtime event waiting to be processed.
type QueuedEvent struct {
	Name       string
	Payload    []byte
	ID         string
	ReceivedAt time.Time
}

func (e QueuedEvent) String() string {
	return fmt.Sprintf("%s[%s]", e.Name, e.ID)
}

// EventID builds the synthetic correlation id for an order version. It is
// used for logging only and is not an identity.
func EventID(orderID string, updatedAt int64) string {
	if orderID == "" {
		orderID = "unknown"
	}
	return orderID + "@" + strconv.FormatInt(updatedAt, 10)
}
