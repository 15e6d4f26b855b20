package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestVersionAfter(t *testing.T) {
	tests := []struct {
		a, b Version
		want bool
	}{
		{Version{"s1", 5}, Version{"s2", 4}, true},
		{Version{"s1", 4}, Version{"s2", 5}, false},
		{Version{"s2", 5}, Version{"s1", 5}, true},
		{Version{"s1", 5}, Version{"s2", 5}, false},
		{Version{"s1", 5}, Version{"s1", 5}, false},
	}
	for _, tt := range tests {
		if got := tt.a.After(tt.b); got != tt.want {
			t.Errorf("%s.After(%s) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestChangeRecordJSONDecodesVariantByEntityType(t *testing.T) {
	rec := ChangeRecord{
		Ref:        EntityRef{Type: EntityInventory, ID: "sku-1@front", StoreID: "store-a"},
		Origin:     "store-a",
		Clock:      7,
		Base:       &Version{Origin: "store-b", Clock: 3},
		Payload:    InventoryPayload{SKU: "sku-1", Location: "front", Quantity: 12, Delta: -2},
		RecordedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got ChangeRecord
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	inv, ok := got.Payload.(InventoryPayload)
	if !ok {
		t.Fatalf("payload type = %T, want InventoryPayload", got.Payload)
	}
	if inv.Quantity != 12 || inv.Delta != -2 {
		t.Errorf("payload = %+v", inv)
	}
	if got.Base == nil || *got.Base != *rec.Base {
		t.Errorf("base = %v, want %v", got.Base, rec.Base)
	}
	if !got.RecordedAt.Equal(rec.RecordedAt) {
		t.Errorf("recorded_at = %v, want %v", got.RecordedAt, rec.RecordedAt)
	}
}

func TestDecodePayloadUnknownType(t *testing.T) {
	if _, err := DecodePayload("invoice", []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown entity type")
	}
	p, err := DecodePayload(EntityProduct, []byte("null"))
	if err != nil || p != nil {
		t.Fatalf("null payload = %v, %v; want nil, nil", p, err)
	}
}

func TestChangeRecordValidate(t *testing.T) {
	ref := EntityRef{Type: EntityProduct, ID: "p1", StoreID: "s1"}
	good := ChangeRecord{Ref: ref, Origin: "s1", Clock: 1, Payload: ProductPayload{SKU: "A", Name: "Apple"}}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	bad := []ChangeRecord{
		{Ref: ref, Origin: "s1", Clock: 0, Payload: ProductPayload{SKU: "A"}},
		{Ref: ref, Origin: "", Clock: 1, Payload: ProductPayload{SKU: "A"}},
		{Ref: ref, Origin: "s1", Clock: 1},
		{Ref: ref, Origin: "s1", Clock: 1, Payload: CustomerPayload{Name: "x"}},
		{Ref: ref, Origin: "s1", Clock: 1, Payload: ProductPayload{}},
	}
	for i, r := range bad {
		if err := r.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}

	tomb := ChangeRecord{Ref: ref, Origin: "s1", Clock: 2, Deleted: true}
	if err := tomb.Validate(); err != nil {
		t.Errorf("tombstone rejected: %v", err)
	}
}

func TestDeriveJobState(t *testing.T) {
	parts := map[EntityType]PartitionProgress{
		EntityProduct:  {State: PartitionCompleted},
		EntityCustomer: {State: PartitionFetching},
	}
	if got := DeriveJobState(parts); got != JobRunning {
		t.Errorf("got %s, want running", got)
	}
	parts[EntityCustomer] = PartitionProgress{State: PartitionPaused}
	if got := DeriveJobState(parts); got != JobPaused {
		t.Errorf("got %s, want paused", got)
	}
	parts[EntityCustomer] = PartitionProgress{State: PartitionCompleted}
	if got := DeriveJobState(parts); got != JobCompleted {
		t.Errorf("got %s, want completed", got)
	}
}

func TestParseTimestampFormats(t *testing.T) {
	for _, s := range []string{
		"2026-01-02T03:04:05.000000000Z",
		"2026-01-02T03:04:05Z",
		"2026-01-02 03:04:05",
	} {
		ts, err := ParseTimestamp(s)
		if err != nil {
			t.Errorf("ParseTimestamp(%q): %v", s, err)
			continue
		}
		if ts.Hour() != 3 || ts.Second() != 5 {
			t.Errorf("ParseTimestamp(%q) = %v", s, ts)
		}
	}
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Error("expected error for garbage timestamp")
	}
}
