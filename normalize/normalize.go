// Package normalize turns heterogeneous order payloads from the realtime
// socket and the REST API into canonical order.Record values.
//
// Payloads are parsed into a typed value tree and every field is read by
// type; a field that is missing or of the wrong type falls back to its zero
// default instead of failing the whole payload. Only structural problems that
// make a record untrackable are reported as errors.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/oapi-codegen/nullable"
	"github.com/shopspring/decimal"
	"github.com/valyala/fastjson"

	"github.com/recomma/ordersync/order"
)

var ErrMalformedPayload = errors.New("normalize: malformed payload")

// MalformedPayloadError describes why a payload could not be normalized.
type MalformedPayloadError struct {
	Field  string
	Index  int // position inside Field, -1 when Field is not a sequence
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	switch {
	case e.Field == "":
		return fmt.Sprintf("%s: %s", ErrMalformedPayload, e.Reason)
	case e.Index >= 0:
		return fmt.Sprintf("%s: %s[%d]: %s", ErrMalformedPayload, e.Field, e.Index, e.Reason)
	default:
		return fmt.Sprintf("%s: %s: %s", ErrMalformedPayload, e.Field, e.Reason)
	}
}

func (e *MalformedPayloadError) Unwrap() error { return ErrMalformedPayload }

func malformed(field string, index int, reason string) error {
	return &MalformedPayloadError{Field: field, Index: index, Reason: reason}
}

var parsers fastjson.ParserPool

// Order normalizes a single order payload, defaulting a missing updatedAt to
// the current time.
func Order(raw []byte) (order.Record, error) {
	return OrderAt(raw, time.Now())
}

// OrderAt is Order with an explicit clock for the updatedAt default.
func OrderAt(raw []byte, now time.Time) (order.Record, error) {
	p := parsers.Get()
	defer parsers.Put(p)

	v, err := p.ParseBytes(raw)
	if err != nil {
		return order.Record{}, malformed("", -1, "invalid json: "+err.Error())
	}
	return fromValue(v, now)
}

// Orders normalizes a REST list payload: either a JSON array of orders or an
// object wrapping that array under "data" or "orders". Entries that fail to
// normalize are skipped; the returned error joins their failures and is
// non-nil alongside a usable partial result.
func Orders(raw []byte) ([]order.Record, error) {
	return OrdersAt(raw, time.Now())
}

func OrdersAt(raw []byte, now time.Time) ([]order.Record, error) {
	p := parsers.Get()
	defer parsers.Put(p)

	v, err := p.ParseBytes(raw)
	if err != nil {
		return nil, malformed("", -1, "invalid json: "+err.Error())
	}

	list := v
	if v.Type() == fastjson.TypeObject {
		switch {
		case isArray(v.Get("data")):
			list = v.Get("data")
		case isArray(v.Get("orders")):
			list = v.Get("orders")
		case isObject(v.Get("data")) && isArray(v.Get("data", "orders")):
			list = v.Get("data", "orders")
		}
	}
	if list.Type() != fastjson.TypeArray {
		return nil, malformed("", -1, "expected an array of orders")
	}

	entries, _ := list.Array()
	out := make([]order.Record, 0, len(entries))
	var errs []error
	for i, entry := range entries {
		rec, err := fromValue(entry, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		out = append(out, rec)
	}
	return out, errors.Join(errs...)
}

// Peek extracts the deduplication key and version of a payload without
// building the full record. It applies the same identifier fallback and
// updatedAt default as OrderAt, so both agree for the same now.
func Peek(raw []byte, now time.Time) (key string, updatedAt int64, err error) {
	p := parsers.Get()
	defer parsers.Put(p)

	v, err := p.ParseBytes(raw)
	if err != nil {
		return "", 0, malformed("", -1, "invalid json: "+err.Error())
	}
	if v.Type() != fastjson.TypeObject {
		return "", 0, malformed("", -1, "payload is not an object (got "+v.Type().String()+")")
	}
	v = unwrap(v)
	key = identifier(v, "orderId", "id", "_id")
	if key == "" {
		return "", 0, malformed("orderId", -1, "missing order identifier")
	}
	return key, timestamp(v.Get("updatedAt"), now), nil
}

func fromValue(v *fastjson.Value, now time.Time) (order.Record, error) {
	if v.Type() != fastjson.TypeObject {
		return order.Record{}, malformed("", -1, "payload is not an object (got "+v.Type().String()+")")
	}
	v = unwrap(v)

	id := identifier(v, "orderId", "id", "_id")
	if id == "" {
		return order.Record{}, malformed("orderId", -1, "missing order identifier")
	}

	items, err := lineItems(v.Get("orderItems"))
	if err != nil {
		return order.Record{}, err
	}

	status := order.Status(strings.ToUpper(strings.TrimSpace(str(v, "status"))))
	if status == "" {
		status = order.StatusPending
	}

	rec := order.Record{
		OrderID:      id,
		Status:       status,
		TrackingInfo: order.TrackingFor(status),
		UpdatedAt:    timestamp(v.Get("updatedAt"), now),

		CustomerID:   identifier(v, "customerId"),
		RestaurantID: identifier(v, "restaurantId"),

		TotalAmount:         money(v.Get("totalAmount")),
		TotalRestaurantEarn: money(v.Get("totalRestaurantEarn")),
		CustomerNote:        str(v, "customerNote"),

		OrderItems:        items,
		RestaurantAddress: address(v.Get("restaurantAddress")),
		CustomerAddress:   address(v.Get("customerAddress")),

		Driver:       driver(v.Get("driver")),
		Cancellation: cancellation(v),
	}
	rec.DriverID = driverID(v.Get("driverId"), rec.Driver)

	return rec, nil
}

// unwrap descends into {"order": {...}} envelopes that carry no identifier
// of their own.
func unwrap(v *fastjson.Value) *fastjson.Value {
	inner := v.Get("order")
	if isObject(inner) && identifier(v, "orderId", "id", "_id") == "" {
		return inner
	}
	return v
}

func lineItems(v *fastjson.Value) ([]order.Item, error) {
	out := []order.Item{}
	if !isArray(v) {
		return out, nil
	}
	entries, _ := v.Array()
	for i, el := range entries {
		if el.Type() != fastjson.TypeObject {
			return nil, malformed("orderItems", i, "not an object")
		}
		out = append(out, order.Item{
			ItemID:          identifier(el, "itemId", "id", "_id"),
			VariantID:       identifier(el, "variantId"),
			VariantName:     str(el, "variantName"),
			Name:            str(el, "name"),
			Quantity:        quantity(el.Get("quantity")),
			Price:           money(el.Get("price")),
			DiscountedPrice: money(el.Get("discountedPrice")),
		})
	}
	return out, nil
}

func address(v *fastjson.Value) order.Address {
	if !isObject(v) {
		return order.Address{}
	}
	return order.Address{
		Street:      str(v, "street"),
		City:        str(v, "city"),
		Nationality: str(v, "nationality"),
		PostalCode:  identifier(v, "postalCode"),
		Location:    location(v.Get("location")),
		Title:       str(v, "title"),
		IsDefault:   boolean(v.Get("isDefault")),
	}
}

// location accepts {"lat":..,"lng":..} and GeoJSON points.
func location(v *fastjson.Value) order.Location {
	if !isObject(v) {
		return order.Location{}
	}
	if coords := v.Get("coordinates"); isArray(coords) {
		pair, _ := coords.Array()
		if len(pair) == 2 {
			return order.Location{Lng: number(pair[0]), Lat: number(pair[1])}
		}
	}
	return order.Location{Lat: number(v.Get("lat")), Lng: number(v.Get("lng"))}
}

func driver(v *fastjson.Value) *order.Driver {
	if !isObject(v) {
		return nil
	}
	d := &order.Driver{
		ID:     identifier(v, "id", "_id", "driverId"),
		Name:   str(v, "name"),
		Avatar: str(v, "avatar"),
		Rating: number(v.Get("rating")),
	}
	if veh := v.Get("vehicle"); isObject(veh) {
		d.Vehicle = order.Vehicle{
			Type:  str(veh, "type"),
			Model: str(veh, "model"),
			Plate: str(veh, "plate"),
			Color: str(veh, "color"),
		}
	}
	return d
}

func driverID(v *fastjson.Value, d *order.Driver) nullable.Nullable[string] {
	if v != nil {
		switch v.Type() {
		case fastjson.TypeNull:
			return nullable.NewNullNullable[string]()
		case fastjson.TypeString, fastjson.TypeNumber:
			if id := scalar(v); id != "" {
				return nullable.NewNullableWithValue(id)
			}
			return nullable.NewNullNullable[string]()
		}
	}
	if d != nil && d.ID != "" {
		return nullable.NewNullableWithValue(d.ID)
	}
	return nil
}

func cancellation(v *fastjson.Value) *order.Cancellation {
	src := v.Get("cancellation")
	if !isObject(src) {
		src = v.Get("cancelReason")
	}
	if !isObject(src) {
		return nil
	}
	c := &order.Cancellation{
		Title:       str(src, "title"),
		Reason:      str(src, "reason"),
		Description: str(src, "description"),
	}
	if *c == (order.Cancellation{}) {
		return nil
	}
	return c
}

func timestamp(v *fastjson.Value, now time.Time) int64 {
	if v != nil {
		switch v.Type() {
		case fastjson.TypeNumber:
			if f := number(v); f > 0 && f <= maxExactInt {
				return int64(f)
			}
		case fastjson.TypeString:
			s := strings.TrimSpace(string(v.GetStringBytes()))
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
				return ms
			}
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return ts.UnixMilli()
			}
		}
	}
	return now.UnixMilli()
}

func money(v *fastjson.Value) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	var text string
	switch v.Type() {
	case fastjson.TypeNumber:
		text = v.String()
	case fastjson.TypeString:
		text = strings.TrimSpace(string(v.GetStringBytes()))
	default:
		return decimal.Zero
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func number(v *fastjson.Value) float64 {
	if v == nil {
		return 0
	}
	var f float64
	switch v.Type() {
	case fastjson.TypeNumber:
		parsed, err := v.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case fastjson.TypeString:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(string(v.GetStringBytes())), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// maxExactInt is the largest integer a float64 holds exactly. Larger
// numbers are treated as missing.
const maxExactInt = 1 << 53

func quantity(v *fastjson.Value) int {
	f := math.Round(number(v))
	if math.Abs(f) > math.MaxInt32 {
		return 0
	}
	return int(f)
}

func boolean(v *fastjson.Value) bool {
	if v == nil {
		return false
	}
	switch v.Type() {
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeString:
		b, err := strconv.ParseBool(strings.TrimSpace(string(v.GetStringBytes())))
		return err == nil && b
	default:
		return false
	}
}

// identifier returns the first of keys holding a non-empty string or number.
func identifier(v *fastjson.Value, keys ...string) string {
	for _, k := range keys {
		if id := scalar(v.Get(k)); id != "" {
			return id
		}
	}
	return ""
}

func str(v *fastjson.Value, key string) string {
	return string(v.GetStringBytes(key))
}

func scalar(v *fastjson.Value) string {
	if v == nil {
		return ""
	}
	switch v.Type() {
	case fastjson.TypeString:
		return strings.TrimSpace(string(v.GetStringBytes()))
	case fastjson.TypeNumber:
		return v.String()
	default:
		return ""
	}
}

func isObject(v *fastjson.Value) bool { return v != nil && v.Type() == fastjson.TypeObject }

func isArray(v *fastjson.Value) bool { return v != nil && v.Type() == fastjson.TypeArray }
