package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PaymentEvent is a normalized "payment succeeded" notification.
type PaymentEvent struct {
	PaymentID   string
	Amount      decimal.Decimal
	Description string
	Email       string
	Phone       string
	Recipient   string
}

func (e PaymentEvent) Validate() error {
	if e.PaymentID == "" {
		return fmt.Errorf("%w: payment id is required", ErrInvalidArgument)
	}
	if !e.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidArgument, e.Amount)
	}
	return nil
}

func (e PaymentEvent) DescriptionOrDefault() string {
	if e.Description != "" {
		return e.Description
	}
	return "Оплата заказа " + e.PaymentID
}
