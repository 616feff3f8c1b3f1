package domain

import (
	"fmt"
	"time"
)

// OrderStatus represents the lifecycle of an order on a venue.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderWorking   OrderStatus = "WORKING"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether no further fills can arrive.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// LegKind identifies which part of a trade plan an order belongs to.
type LegKind string

const (
	LegOne    LegKind = "leg1"
	LegTwo    LegKind = "leg2"
	LegUnwind LegKind = "unwind"
)

// Order is created by the coordinator and tracked until terminal.
type Order struct {
	ID             string // local UUID
	IdempotencyKey string
	VenueOrderID   string
	Venue          VenueID
	MarketID       string
	OutcomeID      string
	Side           Side
	Role           Role
	Price          int64 // limit, ticks
	Qty            int64
	FilledQty      int64
	Status         OrderStatus
	PlanID         string // empty when not part of a plan
	Leg            LegKind
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() int64 {
	return o.Qty - o.FilledQty
}

// Validate checks the order is well formed before submission.
func (o Order) Validate() error {
	if o.Qty <= 0 {
		return fmt.Errorf("order %s: qty %d: %w", o.ID, o.Qty, ErrInvalidInput)
	}
	if !ValidPrice(o.Price) {
		return fmt.Errorf("order %s: price %d: %w", o.ID, o.Price, ErrInvalidInput)
	}
	if o.IdempotencyKey == "" {
		return fmt.Errorf("order %s: missing idempotency key: %w", o.ID, ErrInvalidInput)
	}
	return nil
}

// ApplyFill accumulates a fill. The fill must match the order's
// venue, market, outcome and side, and may never overfill.
func (o *Order) ApplyFill(f Fill) error {
	if f.Venue != o.Venue || f.MarketID != o.MarketID || f.OutcomeID != o.OutcomeID || f.Side != o.Side {
		return fmt.Errorf("fill %s does not match order %s: %w", f.ID, o.ID, ErrInvalidInput)
	}
	if f.Qty <= 0 {
		return fmt.Errorf("fill %s: qty %d: %w", f.ID, f.Qty, ErrInvalidInput)
	}
	if o.FilledQty+f.Qty > o.Qty {
		return fmt.Errorf("fill %s would overfill order %s (%d+%d>%d): %w",
			f.ID, o.ID, o.FilledQty, f.Qty, o.Qty, ErrInvalidInput)
	}
	o.FilledQty += f.Qty
	if o.FilledQty == o.Qty {
		o.Status = OrderFilled
	} else {
		o.Status = OrderPartial
	}
	if !f.At.IsZero() {
		o.UpdatedAt = f.At
	}
	return nil
}

// Fill is an execution reported by a venue.
type Fill struct {
	ID           string
	OrderID      string // local order id, set by the coordinator
	VenueOrderID string
	Venue        VenueID
	MarketID     string
	OutcomeID    string
	Side         Side
	Role         Role
	Price        int64
	Qty          int64
	Fee          int64 // minor units
	At           time.Time
}

// OrderAck is a venue's acknowledgment of a submitted order.
type OrderAck struct {
	VenueOrderID string
	Status       OrderStatus
	FilledQty    int64
	At           time.Time
}
