package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Payload is the tagged snapshot carried by a change record. Every variant
// belongs to exactly one entity type.
type Payload interface {
	EntityType() EntityType
	Validate() error
}

// ProductPayload is a catalog item snapshot
type ProductPayload struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Active     bool   `json:"active"`
}

// InventoryPayload is a stock level at one location. Delta is the change the
// writer applied on top of its base version.
type InventoryPayload struct {
	SKU      string `json:"sku"`
	Location string `json:"location"`
	Quantity int64  `json:"quantity"`
	Delta    int64  `json:"delta"`
}

// CustomerPayload is a customer profile snapshot
type CustomerPayload struct {
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	LoyaltyPoints int64  `json:"loyalty_points"`
}

// TransactionPayload is a sales transaction snapshot
type TransactionPayload struct {
	Number     string `json:"number"`
	TotalCents int64  `json:"total_cents"`
	Status     string `json:"status"`
	Voided     bool   `json:"voided"`
}

func (ProductPayload) EntityType() EntityType     { return EntityProduct }
func (InventoryPayload) EntityType() EntityType   { return EntityInventory }
func (CustomerPayload) EntityType() EntityType    { return EntityCustomer }
func (TransactionPayload) EntityType() EntityType { return EntityTransaction }

func (p ProductPayload) Validate() error {
	if strings.TrimSpace(p.SKU) == "" {
		return errors.New("product: sku is required")
	}
	if p.PriceCents < 0 {
		return fmt.Errorf("product %s: negative price", p.SKU)
	}
	return nil
}

func (p InventoryPayload) Validate() error {
	if strings.TrimSpace(p.SKU) == "" {
		return errors.New("inventory: sku is required")
	}
	return nil
}

func (p CustomerPayload) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("customer: name is required")
	}
	return nil
}

func (p TransactionPayload) Validate() error {
	if strings.TrimSpace(p.Number) == "" {
		return errors.New("transaction: number is required")
	}
	return nil
}

// DecodePayload decodes raw JSON into the variant for entity type t.
// A null or empty body decodes to a nil payload (tombstones carry none).
func DecodePayload(t EntityType, data []byte) (Payload, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	var (
		p   Payload
		err error
	)
	switch t {
	case EntityProduct:
		var v ProductPayload
		err = json.Unmarshal(data, &v)
		p = v
	case EntityInventory:
		var v InventoryPayload
		err = json.Unmarshal(data, &v)
		p = v
	case EntityCustomer:
		var v CustomerPayload
		err = json.Unmarshal(data, &v)
		p = v
	case EntityTransaction:
		var v TransactionPayload
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// EncodePayload encodes a payload as JSON; nil encodes as null.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	return json.Marshal(p)
}

type changeRecordJSON struct {
	Seq        int64           `json:"seq,omitempty"`
	Ref        EntityRef       `json:"ref"`
	Origin     string          `json:"origin"`
	Clock      int64           `json:"clock"`
	Base       *Version        `json:"base,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Deleted    bool            `json:"deleted,omitempty"`
	RecordedAt jsonTime        `json:"recorded_at"`
}

// MarshalJSON encodes the record with its payload inline.
func (c ChangeRecord) MarshalJSON() ([]byte, error) {
	raw, err := EncodePayload(c.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(changeRecordJSON{
		Seq:        c.Seq,
		Ref:        c.Ref,
		Origin:     c.Origin,
		Clock:      c.Clock,
		Base:       c.Base,
		Payload:    raw,
		Deleted:    c.Deleted,
		RecordedAt: jsonTime(c.RecordedAt),
	})
}

// UnmarshalJSON decodes the payload according to the reference's entity type.
func (c *ChangeRecord) UnmarshalJSON(data []byte) error {
	var w changeRecordJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.Ref.Type, w.Payload)
	if err != nil {
		return err
	}
	*c = ChangeRecord{
		Seq:        w.Seq,
		Ref:        w.Ref,
		Origin:     w.Origin,
		Clock:      w.Clock,
		Base:       w.Base,
		Payload:    p,
		Deleted:    w.Deleted,
		RecordedAt: w.RecordedAt.Time(),
	}
	return nil
}

// Validate checks the record is well formed before it is applied.
func (c ChangeRecord) Validate() error {
	if !IsValidEntityType(c.Ref.Type) {
		return fmt.Errorf("unknown entity type %q", c.Ref.Type)
	}
	if c.Ref.ID == "" || c.Ref.StoreID == "" {
		return fmt.Errorf("incomplete entity ref %s", c.Ref)
	}
	if c.Origin == "" {
		return fmt.Errorf("%s: origin is required", c.Ref)
	}
	if c.Clock < 1 {
		return fmt.Errorf("%s: clock must be positive, got %d", c.Ref, c.Clock)
	}
	if c.Deleted {
		return nil
	}
	if c.Payload == nil {
		return fmt.Errorf("%s: payload is required", c.Ref)
	}
	if c.Payload.EntityType() != c.Ref.Type {
		return fmt.Errorf("%s: payload is %s", c.Ref, c.Payload.EntityType())
	}
	return c.Payload.Validate()
}
