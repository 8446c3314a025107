package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/recomma/ordersync/order"
)

var fixedNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func TestOrderFullPayload(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"orderId": "ord-1",
		"status": "ready_for_pickup",
		"trackingInfo": "SOMETHING_STALE",
		"updatedAt": 1700000000123,
		"customerId": "cus-1",
		"restaurantId": "res-1",
		"driverId": "drv-1",
		"totalAmount": "25.50",
		"totalRestaurantEarn": 21.75,
		"customerNote": "no onions",
		"orderItems": [
			{"itemId": "i1", "variantId": "v1", "variantName": "Large", "name": "Pizza", "quantity": 2, "price": 10, "discountedPrice": "9.5"}
		],
		"restaurantAddress": {"street": "Main 1", "city": "Oslo", "postalCode": 1234, "location": {"lat": 59.9, "lng": 10.7}, "isDefault": true},
		"driver": {"_id": "drv-1", "name": "Kim", "rating": "4.8", "vehicle": {"type": "bike", "plate": "AB123"}},
		"cancellation": {"title": "", "reason": "", "description": ""}
	}`)

	rec, err := OrderAt(raw, fixedNow)
	require.NoError(t, err)

	require.Equal(t, "ord-1", rec.OrderID)
	require.Equal(t, order.StatusReadyForPickup, rec.Status)
	require.Equal(t, order.TrackingRestaurantPickup, rec.TrackingInfo)
	require.Equal(t, int64(1700000000123), rec.UpdatedAt)
	require.Equal(t, "drv-1", rec.DriverIDValue())
	require.True(t, rec.TotalAmount.Equal(decimal.RequireFromString("25.5")))
	require.True(t, rec.TotalRestaurantEarn.Equal(decimal.RequireFromString("21.75")))
	require.Equal(t, "no onions", rec.CustomerNote)

	require.Len(t, rec.OrderItems, 1)
	item := rec.OrderItems[0]
	require.Equal(t, "Large", item.VariantName)
	require.Equal(t, 2, item.Quantity)
	require.True(t, item.DiscountedPrice.Equal(decimal.RequireFromString("9.5")))

	require.Equal(t, "1234", rec.RestaurantAddress.PostalCode)
	require.InDelta(t, 59.9, rec.RestaurantAddress.Location.Lat, 1e-9)
	require.True(t, rec.RestaurantAddress.IsDefault)
	require.Equal(t, order.Address{}, rec.CustomerAddress)

	require.NotNil(t, rec.Driver)
	require.InDelta(t, 4.8, rec.Driver.Rating, 1e-9)
	require.Equal(t, "AB123", rec.Driver.Vehicle.Plate)
	require.Nil(t, rec.Cancellation, "empty cancellation block collapses to nil")
}

func TestOrderDefaults(t *testing.T) {
	t.Parallel()

	rec, err := OrderAt([]byte(`{"id": 42, "totalAmount": "NaN", "restaurantAddress": "nope", "orderItems": null}`), fixedNow)
	require.NoError(t, err)

	require.Equal(t, "42", rec.OrderID)
	require.Equal(t, order.StatusPending, rec.Status)
	require.Equal(t, order.TrackingOrderPlaced, rec.TrackingInfo)
	require.Equal(t, fixedNow.UnixMilli(), rec.UpdatedAt)
	require.True(t, rec.TotalAmount.IsZero())
	require.True(t, rec.TotalRestaurantEarn.IsZero())
	require.NotNil(t, rec.OrderItems)
	require.Empty(t, rec.OrderItems)
	require.Equal(t, order.Address{}, rec.RestaurantAddress)
	require.Nil(t, rec.Driver)
	require.Nil(t, rec.DriverID, "absent driverId stays unspecified")
}

func TestOrderTimestampFormats(t *testing.T) {
	t.Parallel()

	rec, err := OrderAt([]byte(`{"orderId":"a","updatedAt":"2024-01-02T03:04:05.678Z"}`), fixedNow)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 678_000_000, time.UTC).UnixMilli(), rec.UpdatedAt)

	rec, err = OrderAt([]byte(`{"orderId":"a","updatedAt":"1700"}`), fixedNow)
	require.NoError(t, err)
	require.Equal(t, int64(1700), rec.UpdatedAt)

	rec, err = OrderAt([]byte(`{"orderId":"a","updatedAt":"yesterday"}`), fixedNow)
	require.NoError(t, err)
	require.Equal(t, fixedNow.UnixMilli(), rec.UpdatedAt)
}

func TestOutOfRangeNumbersFallBack(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"orderId":"a","updatedAt":1e300,"orderItems":[
		{"name":"Pizza","quantity":1e300},
		{"name":"Soup","quantity":-1e300},
		{"name":"Tea","quantity":2.6}
	]}`)
	rec, err := OrderAt(raw, fixedNow)
	require.NoError(t, err)
	require.Equal(t, fixedNow.UnixMilli(), rec.UpdatedAt)
	require.Equal(t, 0, rec.OrderItems[0].Quantity)
	require.Equal(t, 0, rec.OrderItems[1].Quantity)
	require.Equal(t, 3, rec.OrderItems[2].Quantity)

	_, updatedAt, err := Peek(raw, fixedNow)
	require.NoError(t, err)
	require.Equal(t, rec.UpdatedAt, updatedAt)
}

func TestOrderNullDriverID(t *testing.T) {
	t.Parallel()

	rec, err := OrderAt([]byte(`{"orderId":"a","driverId":null}`), fixedNow)
	require.NoError(t, err)
	require.True(t, rec.DriverID.IsSpecified())
	require.True(t, rec.DriverID.IsNull())
	require.Equal(t, "", rec.DriverIDValue())
}

func TestOrderUnwrapsEnvelope(t *testing.T) {
	t.Parallel()

	rec, err := OrderAt([]byte(`{"order": {"orderId": "inner", "status": "EN_ROUTE"}, "message": "ok"}`), fixedNow)
	require.NoError(t, err)
	require.Equal(t, "inner", rec.OrderID)
	require.Equal(t, order.StatusEnRoute, rec.Status)
}

func TestOrderMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		raw   string
		field string
		index int
	}{
		{name: "array", raw: `[1,2]`, index: -1},
		{name: "string", raw: `"hello"`, index: -1},
		{name: "invalid json", raw: `{"orderId":`, index: -1},
		{name: "no identifier", raw: `{"status":"PENDING"}`, field: "orderId", index: -1},
		{name: "item not object", raw: `{"orderId":"a","orderItems":[{"name":"ok"}, 7]}`, field: "orderItems", index: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := OrderAt([]byte(tt.raw), fixedNow)
			require.Error(t, err)
			require.ErrorIs(t, err, ErrMalformedPayload)

			var mp *MalformedPayloadError
			require.True(t, errors.As(err, &mp))
			require.Equal(t, tt.field, mp.Field)
			require.Equal(t, tt.index, mp.Index)
		})
	}
}

func TestMalformedErrorNamesIndex(t *testing.T) {
	t.Parallel()

	_, err := OrderAt([]byte(`{"orderId":"a","orderItems":["x"]}`), fixedNow)
	require.EqualError(t, err, "normalize: malformed payload: orderItems[0]: not an object")
}

func TestPeekAgreesWithOrder(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"_id":"abc","status":"PENDING"}`)
	key, version, err := Peek(raw, fixedNow)
	require.NoError(t, err)

	rec, err := OrderAt(raw, fixedNow)
	require.NoError(t, err)
	require.Equal(t, rec.OrderID, key)
	require.Equal(t, rec.UpdatedAt, version)

	_, _, err = Peek([]byte(`{"status":"PENDING"}`), fixedNow)
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestOrdersList(t *testing.T) {
	t.Parallel()

	recs, err := OrdersAt([]byte(`{"data": [{"orderId":"a","status":"DELIVERED"}, 3, {"orderId":"b","status":"CANCELLED"}]}`), fixedNow)
	require.Error(t, err, "bad entry is reported")
	require.ErrorIs(t, err, ErrMalformedPayload)
	require.Len(t, recs, 2)
	require.Equal(t, "a", recs[0].OrderID)
	require.Equal(t, order.TrackingCancelled, recs[1].TrackingInfo)

	recs, err = OrdersAt([]byte(`[{"orderId":"x"}]`), fixedNow)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	_, err = OrdersAt([]byte(`{"data": {}}`), fixedNow)
	require.ErrorIs(t, err, ErrMalformedPayload)
}
