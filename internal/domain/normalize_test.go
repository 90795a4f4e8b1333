package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRecordIDToleratesShapes(t *testing.T) {
	cases := []struct {
		name string
		rec  Record
		want int64
	}{
		{"float", Record{"id": float64(42)}, 42},
		{"string", Record{"id": "42"}, 42},
		{"json.Number", Record{"id": json.Number("42")}, 42},
	}
	for _, tc := range cases {
		got, err := tc.rec.ID()
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: id = %d, want %d", tc.name, got, tc.want)
		}
	}

	if _, err := (Record{}).ID(); err == nil {
		t.Fatal("missing id accepted")
	}
	if _, err := (Record{"id": true}).ID(); err == nil {
		t.Fatal("bool id accepted")
	}
}

func TestNormalizeCase(t *testing.T) {
	now := time.Now().UTC()
	rec := Record{
		"id":            float64(7),
		"name":          "Smith v. Jones",
		"status":        map[string]any{"id": float64(2), "name": "Open"},
		"lead_attorney": map[string]any{"id": float64(31), "name": "A. Counsel"},
		"date_opened":   "2026-01-05",
		"updated_at":    "2026-02-01T10:00:00Z",
	}
	row, err := Normalize("tenant-1", EntityCases, rec, now)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if row.TenantID != "tenant-1" || row.EntityType != EntityCases || row.ID != 7 {
		t.Fatalf("key = (%s, %s, %d)", row.TenantID, row.EntityType, row.ID)
	}
	if row.Name != "Smith v. Jones" || row.Status != "Open" {
		t.Fatalf("projection = (%q, %q)", row.Name, row.Status)
	}
	if row.StaffID == nil || *row.StaffID != 31 {
		t.Fatalf("staff_id = %v, want 31", row.StaffID)
	}
	if row.OccursAt != "2026-01-05" || row.UpdatedAt != "2026-02-01T10:00:00Z" {
		t.Fatalf("timestamps = (%q, %q)", row.OccursAt, row.UpdatedAt)
	}
	var back Record
	if err := json.Unmarshal([]byte(row.RawPayload), &back); err != nil {
		t.Fatalf("raw payload is not JSON: %v", err)
	}
	if back.str("name") != "Smith v. Jones" {
		t.Fatal("raw payload lost the original record")
	}
}

func TestNormalizeStaffDisplayName(t *testing.T) {
	now := time.Now().UTC()
	rec := Record{
		"id":         float64(1),
		"first_name": "Pat",
		"last_name":  "Doe",
		"active":     true,
	}
	row, err := Normalize("t", EntityStaff, rec, now)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if row.Name != "Pat Doe" {
		t.Fatalf("name = %q, want composed first/last", row.Name)
	}
	if row.Status != "true" {
		t.Fatalf("status = %q, want \"true\"", row.Status)
	}
}

func TestNormalizeInvoiceAmountAndRefs(t *testing.T) {
	now := time.Now().UTC()
	rec := Record{
		"id":             float64(900),
		"invoice_number": "INV-900",
		"status":         "issued",
		"case":           float64(7),
		"contact":        map[string]any{"id": float64(55)},
		"total_amount":   "1250.50",
		"due_date":       "2026-03-01",
		"issue_date":     "2026-02-01",
	}
	row, err := Normalize("t", EntityInvoices, rec, now)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if row.Name != "INV-900" || row.Status != "issued" {
		t.Fatalf("projection = (%q, %q)", row.Name, row.Status)
	}
	if row.CaseID == nil || *row.CaseID != 7 || row.ContactID == nil || *row.ContactID != 55 {
		t.Fatalf("refs = (%v, %v)", row.CaseID, row.ContactID)
	}
	if row.Amount == nil || *row.Amount != 1250.50 {
		t.Fatalf("amount = %v, want 1250.50 parsed from string", row.Amount)
	}
	if row.DueAt != "2026-03-01" || row.OccursAt != "2026-02-01" {
		t.Fatalf("dates = (%q, %q)", row.DueAt, row.OccursAt)
	}
}

func TestNormalizeRejectsUnknownType(t *testing.T) {
	if _, err := Normalize("t", EntityType("wizards"), Record{"id": float64(1)}, time.Now()); err == nil {
		t.Fatal("unknown entity type accepted")
	}
}

func TestCredentialsExpiresWithin(t *testing.T) {
	margin := 5 * time.Minute
	if !(Credentials{}).ExpiresWithin(margin) {
		t.Fatal("zero expiry must count as expired")
	}
	soon := Credentials{ExpiresAt: time.Now().UTC().Add(2 * time.Minute)}
	if !soon.ExpiresWithin(margin) {
		t.Fatal("token inside margin must refresh")
	}
	later := Credentials{ExpiresAt: time.Now().UTC().Add(time.Hour)}
	if later.ExpiresWithin(margin) {
		t.Fatal("fresh token flagged for refresh")
	}
}
