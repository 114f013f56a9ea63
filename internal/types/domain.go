package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// IncomingEvent is a single authenticated webhook delivery. It lives for the
// duration of one background run; only its ID outlives it (in the dedup store).
type IncomingEvent struct {
	ID         string
	Topic      string
	Signature  string
	RawBody    []byte
	Order      Order
	ReceivedAt time.Time
}

// Order is the subset of the e-commerce order payload the pipeline consumes.
type Order struct {
	ID              int64            `json:"id" validate:"required"`
	Name            string           `json:"name"`
	Email           string           `json:"email"`
	ContactEmail    string           `json:"contact_email"`
	ShippingAddress *ShippingAddress `json:"shipping_address"`
}

// IsLocalPickup reports whether the order carries no shipping address.
func (o Order) IsLocalPickup() bool {
	return o.ShippingAddress == nil
}

// CustomerEmail returns the contact email, falling back to the order email.
func (o Order) CustomerEmail() string {
	if o.ContactEmail != "" {
		return o.ContactEmail
	}
	return o.Email
}

// ShippingAddress is the destination of a shipment.
type ShippingAddress struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Address1  string `json:"address1"`
	Address2  string `json:"address2"`
	City      string `json:"city"`
	Province  string `json:"province"`
	Zip       string `json:"zip"`
	Phone     string `json:"phone"`
}

// FullName joins first and last name.
func (a ShippingAddress) FullName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// DeliveryLine renders the address in the single-line form the courier expects.
func (a ShippingAddress) DeliveryLine() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{a.Address1, a.Address2, a.Province, a.City} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	line := strings.Join(parts, ", ")
	if a.Zip != "" {
		line += " Código Postal: " + a.Zip
	}
	return line
}

// CustomerDetails is the customer-facing summary of a registered shipment.
type CustomerDetails struct {
	FirstName string
	FullName  string
	Address   string
	Phone     string
	Email     string
	OrderID   string
}

// DetailRow is one label/value pair of the customer table.
type DetailRow struct {
	Label string
	Value string
}

// Rows returns the non-empty fields in display order.
func (c CustomerDetails) Rows() []DetailRow {
	all := []DetailRow{
		{Label: "Nombre", Value: c.FirstName},
		{Label: "Nombre Completo", Value: c.FullName},
		{Label: "Dirección", Value: c.Address},
		{Label: "Teléfono", Value: c.Phone},
		{Label: "Correo", Value: c.Email},
		{Label: "Id Pedido", Value: c.OrderID},
	}
	rows := make([]DetailRow, 0, len(all))
	for _, r := range all {
		if r.Value != "" {
			rows = append(rows, r)
		}
	}
	return rows
}

// NewCustomerDetails derives the customer summary from an order.
func NewCustomerDetails(o Order) CustomerDetails {
	d := CustomerDetails{
		Email:   o.CustomerEmail(),
		OrderID: fmt.Sprintf("%d", o.ID),
	}
	if a := o.ShippingAddress; a != nil {
		d.FirstName = a.FirstName
		d.FullName = a.FullName()
		d.Address = a.DeliveryLine()
		d.Phone = a.Phone
	}
	return d
}

// LabelParams identifies a registered shipment for label retrieval.
type LabelParams struct {
	OfficeCode   string
	ShipmentCode string
	OrderCode    string
	SessionID    string
}

// ShipmentResult is the outcome of a shipment registration call. When OK is
// false, Raw carries the courier's response body for diagnostics.
type ShipmentResult struct {
	OK           bool
	TrackingCode string
	OfficeCode   string
	ShipmentCode string
	Customer     CustomerDetails
	LabelParams  LabelParams
	Raw          json.RawMessage
}

// LabelOutcome is the result of a label fetch.
type LabelOutcome struct {
	OK       bool
	Path     string
	Document []byte
}

// Attachment is a file attached to an outgoing email.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// SenderIdentity defines the sender for outgoing emails.
type SenderIdentity struct {
	Name    string
	Address string
}

// SendInput defines the contract for email transmission. Content is
// pre-rendered HTML.
type SendInput struct {
	To          []string
	Bcc         []string
	From        SenderIdentity
	Subject     string
	BodyHTML    string
	Attachments []Attachment
	ReferenceID string
}
