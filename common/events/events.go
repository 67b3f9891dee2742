// Package events defines one concrete Go struct per wire contract named in
// the broker topology. Each implements EventType() so subscribers switch on
// a typed value instead of walking payloads reflectively (see design notes
// on reflective field extraction).
package events

import "time"

// Address is the flat, ISO-8601-friendly address DTO carried on every
// contract that needs a pickup or shipping location. Latitude/Longitude are
// optional — geocoding is an external collaborator, so a freshly entered
// address legitimately has neither.
type Address struct {
	Line1      string   `json:"line1"`
	City       string   `json:"city"`
	PostalCode string   `json:"postalCode"`
	Country    string   `json:"country"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
}

// HasFix reports whether both coordinates are present.
func (a Address) HasFix() bool {
	return a.Latitude != nil && a.Longitude != nil
}

// ItemQuantity is the minimal per-line-item payload carried in saga
// messages: just enough to reserve or restore stock.
type ItemQuantity struct {
	ProductID string `json:"productId"`
	Quantity  int32  `json:"quantity"`
}

// Event is the marker every contract implements.
type Event interface {
	EventType() string
}

// RecipientType distinguishes who a notification-worthy event concerns.
type RecipientType string

const (
	RecipientCustomer RecipientType = "CUSTOMER"
	RecipientStore    RecipientType = "STORE"
	RecipientCourier  RecipientType = "COURIER"
)

// Recipient names one addressee of a notification.
type Recipient struct {
	ID   string
	Type RecipientType
}

// Notifiable is implemented by every event contract Notification fans out,
// replacing reflective payload field extraction with named accessors: each
// contract knows exactly who it concerns.
type Notifiable interface {
	Event
	Recipients() []Recipient
}

// OrderCreated is published by Order after persisting a new PENDING order.
type OrderCreated struct {
	OrderID    string    `json:"orderId"`
	StoreID    string    `json:"storeId"`
	UserID     string    `json:"userId"`
	TotalPrice float64   `json:"totalPrice"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (OrderCreated) EventType() string { return "order.created" }

func (e OrderCreated) Recipients() []Recipient {
	return []Recipient{{ID: e.UserID, Type: RecipientCustomer}, {ID: e.StoreID, Type: RecipientStore}}
}

// StockReservationRequested is published by Order on acceptOrder; Store
// reacts to it. PickupAddress is intentionally nil — Store fills it in.
type StockReservationRequested struct {
	OrderID         string         `json:"orderId"`
	StoreID         string         `json:"storeId"`
	UserID          string         `json:"userId"`
	Items           []ItemQuantity `json:"items"`
	ShippingAddress Address        `json:"shippingAddress"`
	PickupAddress   *Address       `json:"pickupAddress"`
}

func (StockReservationRequested) EventType() string { return "order.stock_reservation.requested" }

// StockReserved is published by Store once all items for an order were
// reserved atomically.
type StockReserved struct {
	OrderID         string  `json:"orderId"`
	StoreID         string  `json:"storeId"`
	UserID          string  `json:"userId"`
	PickupAddress   Address `json:"pickupAddress"`
	ShippingAddress Address `json:"shippingAddress"`
}

func (StockReserved) EventType() string { return "order.stock_reserved" }

// StockReservationFailed is published by Store when any item in the
// request cannot be reserved (missing, unavailable, or insufficient stock).
type StockReservationFailed struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	Reason  string `json:"reason"`
}

func (StockReservationFailed) EventType() string { return "order.stock_reservation_failed" }

func (e StockReservationFailed) Recipients() []Recipient {
	return []Recipient{{ID: e.UserID, Type: RecipientCustomer}}
}

// OrderPreparing is published by Order once stock is reserved; Courier
// reacts to it to begin the assignment algorithm.
type OrderPreparing struct {
	OrderID         string  `json:"orderId"`
	StoreID         string  `json:"storeId"`
	CustomerID      string  `json:"customerId"`
	PickupAddress   Address `json:"pickupAddress"`
	ShippingAddress Address `json:"shippingAddress"`
}

func (OrderPreparing) EventType() string { return "order.preparing" }

// CourierAssigned is published by Courier once a candidate atomically wins
// the AVAILABLE -> BUSY transition for orderId.
type CourierAssigned struct {
	OrderID   string `json:"orderId"`
	CourierID string `json:"courierId"`
	StoreID   string `json:"storeId"`
	UserID    string `json:"userId"`
}

func (CourierAssigned) EventType() string { return "courier.assigned" }

func (e CourierAssigned) Recipients() []Recipient {
	return []Recipient{{ID: e.CourierID, Type: RecipientCourier}}
}

// CourierAssignmentFailed is published by Courier when the ranked
// candidate list is exhausted without a successful assignment.
type CourierAssignmentFailed struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	StoreID string `json:"storeId"`
	Reason  string `json:"reason"`
}

func (CourierAssignmentFailed) EventType() string { return "courier.assignment.failed" }

func (e CourierAssignmentFailed) Recipients() []Recipient {
	return []Recipient{{ID: e.UserID, Type: RecipientCustomer}, {ID: e.StoreID, Type: RecipientStore}}
}

// OrderAssigned is published by Order after accepting a courier.assigned
// reply, destined for Notification.
type OrderAssigned struct {
	OrderID         string  `json:"orderId"`
	CourierID       string  `json:"courierId"`
	StoreID         string  `json:"storeId"`
	UserID          string  `json:"userId"`
	PickupAddress   Address `json:"pickupAddress"`
	ShippingAddress Address `json:"shippingAddress"`
}

func (OrderAssigned) EventType() string { return "order.assigned" }

func (e OrderAssigned) Recipients() []Recipient {
	return []Recipient{
		{ID: e.UserID, Type: RecipientCustomer},
		{ID: e.CourierID, Type: RecipientCourier},
	}
}

// OrderCancelled carries oldStatus so downstream stock-restore logic can
// key on it; Items is empty unless oldStatus is PREPARING or ON_THE_WAY.
type OrderCancelled struct {
	OrderID   string         `json:"orderId"`
	UserID    string         `json:"userId"`
	StoreID   string         `json:"storeId"`
	OldStatus string         `json:"oldStatus"`
	Items     []ItemQuantity `json:"items"`
}

func (OrderCancelled) EventType() string { return "order.cancelled" }

func (e OrderCancelled) Recipients() []Recipient {
	return []Recipient{{ID: e.UserID, Type: RecipientCustomer}, {ID: e.StoreID, Type: RecipientStore}}
}

// OrderOnTheWay is published by Order on pickupOrder.
type OrderOnTheWay struct {
	OrderID   string `json:"orderId"`
	CourierID string `json:"courierId"`
	UserID    string `json:"userId"`
}

func (OrderOnTheWay) EventType() string { return "order.on_the_way" }

func (e OrderOnTheWay) Recipients() []Recipient {
	return []Recipient{{ID: e.UserID, Type: RecipientCustomer}}
}

// OrderDelivered is published by Order on deliverOrder.
type OrderDelivered struct {
	OrderID   string `json:"orderId"`
	CourierID string `json:"courierId"`
	UserID    string `json:"userId"`
}

func (OrderDelivered) EventType() string { return "order.delivered" }

func (e OrderDelivered) Recipients() []Recipient {
	return []Recipient{{ID: e.UserID, Type: RecipientCustomer}}
}

// ProductChanged covers product.created / product.updated / product.deleted
// — Order's ProductSnapshot read-model consumes all three through one
// shape, keyed on Type.
type ProductChanged struct {
	Type        string  `json:"type"`
	ProductID   string  `json:"productId"`
	StoreID     string  `json:"storeId"`
	Name        string  `json:"name"`
	Price       float64 `json:"price"`
	Stock       int32   `json:"stock"`
	IsAvailable bool    `json:"isAvailable"`
}

func (p ProductChanged) EventType() string { return p.Type }
