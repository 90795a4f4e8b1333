package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is one upstream object as decoded JSON. Field shapes vary per
// entity type; the accessors below tolerate the upstream's habit of
// returning either a scalar or a nested {"id":..,"name":..} object.
type Record map[string]any

// ID extracts the numeric upstream id. Upstream ids arrive as JSON
// numbers but occasionally as strings on older records.
func (r Record) ID() (int64, error) {
	v, ok := r["id"]
	if !ok {
		return 0, fmt.Errorf("record has no id field")
	}
	switch t := v.(type) {
	case float64:
		return int64(t), nil
	case json.Number:
		return t.Int64()
	case string:
		return strconv.ParseInt(t, 10, 64)
	}
	return 0, fmt.Errorf("record id has unsupported type %T", v)
}

// UpdatedAt returns the upstream updated_at timestamp verbatim, or ""
// when absent.
func (r Record) UpdatedAt() string { return r.str("updated_at") }

func (r Record) str(key string) string {
	if s, ok := r[key].(string); ok {
		return s
	}
	return ""
}

// nameOf unwraps values that may be either a plain string or a nested
// object carrying a "name" field, e.g. {"case_type": {"id":1,"name":"x"}}.
func (r Record) nameOf(key string) string {
	switch t := r[key].(type) {
	case string:
		return t
	case map[string]any:
		if s, ok := t["name"].(string); ok {
			return s
		}
	}
	return ""
}

// refID unwraps values that may be either a numeric id or a nested
// object carrying an "id" field, returning nil when absent.
func (r Record) refID(key string) *int64 {
	switch t := r[key].(type) {
	case float64:
		id := int64(t)
		return &id
	case map[string]any:
		if f, ok := t["id"].(float64); ok {
			id := int64(f)
			return &id
		}
	}
	return nil
}

func (r Record) num(key string) *float64 {
	switch t := r[key].(type) {
	case float64:
		return &t
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return &f
		}
	}
	return nil
}

func (r Record) boolStr(key string) string {
	if b, ok := r[key].(bool); ok {
		if b {
			return "true"
		}
		return "false"
	}
	return ""
}

// displayName composes a person-style record's name, preferring an
// explicit name field and falling back to "first last".
func (r Record) displayName() string {
	if n := r.str("name"); n != "" {
		return n
	}
	full := strings.TrimSpace(r.str("first_name") + " " + r.str("last_name"))
	return full
}

// Normalize projects one upstream record into a CachedEntity row for
// the given tenant and entity type. The full payload is preserved in
// RawPayload; the typed columns exist so downstream queries do not have
// to re-parse JSON.
func Normalize(tenantID string, et EntityType, rec Record, now time.Time) (CachedEntity, error) {
	id, err := rec.ID()
	if err != nil {
		return CachedEntity{}, fmt.Errorf("normalize %s: %w", et, err)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return CachedEntity{}, fmt.Errorf("normalize %s id=%d: %w", et, id, err)
	}

	row := CachedEntity{
		TenantID:   tenantID,
		EntityType: et,
		ID:         id,
		UpdatedAt:  rec.UpdatedAt(),
		RawPayload: string(raw),
		CachedAt:   now,
	}

	switch et {
	case EntityStaff:
		row.Name = rec.displayName()
		row.Status = rec.boolStr("active")
	case EntityCases:
		row.Name = rec.str("name")
		row.Status = rec.nameOf("status")
		row.StaffID = rec.refID("lead_attorney")
		row.OccursAt = rec.str("date_opened")
		row.DueAt = rec.str("date_closed")
	case EntityContacts, EntityClients:
		row.Name = rec.displayName()
		row.Status = rec.boolStr("active")
	case EntityInvoices:
		row.Name = rec.str("invoice_number")
		row.Status = rec.nameOf("status")
		row.CaseID = rec.refID("case")
		row.ContactID = rec.refID("contact")
		row.Amount = rec.num("total_amount")
		row.DueAt = rec.str("due_date")
		row.OccursAt = rec.str("issue_date")
	case EntityEvents:
		row.Name = rec.str("name")
		row.Status = rec.nameOf("event_type")
		row.CaseID = rec.refID("case")
		row.OccursAt = rec.str("start_at")
		row.DueAt = rec.str("end_at")
	case EntityTasks:
		row.Name = rec.str("name")
		row.Status = rec.boolStr("completed")
		row.CaseID = rec.refID("case")
		row.StaffID = rec.refID("assignee")
		row.DueAt = rec.str("due_date")
	case EntityPayments:
		row.Status = rec.nameOf("status")
		row.CaseID = rec.refID("case")
		row.ContactID = rec.refID("contact")
		row.Amount = rec.num("amount")
		row.OccursAt = rec.str("date")
	case EntityTimeEntries:
		row.Name = rec.nameOf("activity")
		row.Status = rec.nameOf("billing_status")
		row.CaseID = rec.refID("case")
		row.StaffID = rec.refID("staff")
		row.Amount = rec.num("total")
		row.OccursAt = rec.str("date")
	default:
		return CachedEntity{}, fmt.Errorf("normalize: unknown entity type %q", et)
	}
	return row, nil
}
