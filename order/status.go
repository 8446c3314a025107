package order

// Status is the server-asserted lifecycle state of an order.
//
// The core treats Status as data: it is used for filtering, persistence
// eligibility and display, never to reject an update.
type Status string

const (
	StatusPending            Status = "PENDING"
	StatusRestaurantAccepted Status = "RESTAURANT_ACCEPTED"
	StatusPreparing          Status = "PREPARING"
	StatusReadyForPickup     Status = "READY_FOR_PICKUP"
	StatusRestaurantPickup   Status = "RESTAURANT_PICKUP"
	StatusDispatched         Status = "DISPATCHED"
	StatusEnRoute            Status = "EN_ROUTE"
	StatusOutForDelivery     Status = "OUT_FOR_DELIVERY"
	StatusDelivered          Status = "DELIVERED"
	StatusRejected           Status = "REJECTED"
	StatusCancelled          Status = "CANCELLED"
	StatusDeliveryFailed     Status = "DELIVERY_FAILED"
	StatusReturned           Status = "RETURNED"
)

// happyPath lists the forward statuses in delivery order.
var happyPath = []Status{
	StatusPending,
	StatusRestaurantAccepted,
	StatusPreparing,
	StatusReadyForPickup,
	StatusRestaurantPickup,
	StatusDispatched,
	StatusEnRoute,
	StatusOutForDelivery,
	StatusDelivered,
}

var terminal = map[Status]struct{}{
	StatusDelivered:      {},
	StatusRejected:       {},
	StatusCancelled:      {},
	StatusDeliveryFailed: {},
	StatusReturned:       {},
}

var pathIndex = func() map[Status]int {
	out := make(map[Status]int, len(happyPath))
	for i, s := range happyPath {
		out[s] = i
	}
	return out
}()

// Known reports whether s is one of the statuses this package defines.
func (s Status) Known() bool {
	if _, ok := pathIndex[s]; ok {
		return true
	}
	_, ok := terminal[s]
	return ok
}

// IsTerminal reports whether no further transitions are expected from s.
func (s Status) IsTerminal() bool {
	_, ok := terminal[s]
	return ok
}

// IsActive reports whether s precedes a terminal outcome. Only active orders
// are eligible for the persisted cache. Unknown statuses are not active.
func (s Status) IsActive() bool {
	return s.Known() && !s.IsTerminal()
}

// ActiveStatuses returns every non-terminal status in delivery order.
func ActiveStatuses() []Status {
	out := make([]Status, 0, len(happyPath)-1)
	for _, s := range happyPath {
		if s.IsActive() {
			out = append(out, s)
		}
	}
	return out
}

// TerminalStatuses returns every terminal status.
func TerminalStatuses() []Status {
	return []Status{StatusDelivered, StatusRejected, StatusCancelled, StatusDeliveryFailed, StatusReturned}
}

// CanTransition reports whether from → to follows the documented state
// machine. It is advisory: callers log illegal transitions but still apply
// them, since the server is the source of truth.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() || !from.Known() || !to.Known() {
		return false
	}
	switch to {
	case StatusRejected:
		return from == StatusPending
	case StatusCancelled, StatusDeliveryFailed, StatusReturned:
		return true
	}
	fi, fok := pathIndex[from]
	ti, tok := pathIndex[to]
	return fok && tok && ti > fi
}

// TrackingInfo is the finer grained delivery stage shown to the user. It is
// always derived from Status.
type TrackingInfo string

const (
	TrackingOrderPlaced        TrackingInfo = "ORDER_PLACED"
	TrackingRestaurantAccepted TrackingInfo = "RESTAURANT_ACCEPTED"
	TrackingPreparing          TrackingInfo = "PREPARING"
	TrackingRestaurantPickup   TrackingInfo = "RESTAURANT_PICKUP"
	TrackingDriverAssigned     TrackingInfo = "DRIVER_ASSIGNED"
	TrackingEnRoute            TrackingInfo = "EN_ROUTE"
	TrackingOutForDelivery     TrackingInfo = "OUT_FOR_DELIVERY"
	TrackingDelivered          TrackingInfo = "DELIVERED"
	TrackingRejected           TrackingInfo = "REJECTED"
	TrackingCancelled          TrackingInfo = "CANCELLED"
	TrackingDeliveryFailed     TrackingInfo = "DELIVERY_FAILED"
	TrackingReturned           TrackingInfo = "RETURNED"
	TrackingUnknown            TrackingInfo = "UNKNOWN"
)

var trackingByStatus = map[Status]TrackingInfo{
	StatusPending:            TrackingOrderPlaced,
	StatusRestaurantAccepted: TrackingRestaurantAccepted,
	StatusPreparing:          TrackingPreparing,
	StatusReadyForPickup:     TrackingRestaurantPickup,
	StatusRestaurantPickup:   TrackingRestaurantPickup,
	StatusDispatched:         TrackingDriverAssigned,
	StatusEnRoute:            TrackingEnRoute,
	StatusOutForDelivery:     TrackingOutForDelivery,
	StatusDelivered:          TrackingDelivered,
	StatusRejected:           TrackingRejected,
	StatusCancelled:          TrackingCancelled,
	StatusDeliveryFailed:     TrackingDeliveryFailed,
	StatusReturned:           TrackingReturned,
}

// TrackingFor maps a status to its tracking label. Every known status maps
// to exactly one label; anything else maps to TrackingUnknown.
func TrackingFor(s Status) TrackingInfo {
	if t, ok := trackingByStatus[s]; ok {
		return t
	}
	return TrackingUnknown
}
