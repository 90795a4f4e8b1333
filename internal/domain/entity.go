// Package domain defines the persistence models for tenants, credentials,
// cached upstream entities, and sync bookkeeping. These types are mapped
// with GORM and form the core data layer of the sync engine.
package domain

import "fmt"

// EntityType identifies one of the upstream datasets mirrored into the
// tenant cache. The set is closed: adding a new dataset means adding a
// constant here, an endpoint mapping, and a normalization case, all of
// which are checked together in entity_test.go.
type EntityType string

const (
	EntityStaff       EntityType = "staff"
	EntityCases       EntityType = "cases"
	EntityContacts    EntityType = "contacts"
	EntityClients     EntityType = "clients"
	EntityInvoices    EntityType = "invoices"
	EntityEvents      EntityType = "events"
	EntityTasks       EntityType = "tasks"
	EntityPayments    EntityType = "payments"
	EntityTimeEntries EntityType = "time_entries"
)

// AllEntityTypes lists every mirrored dataset in sync order. Staff first:
// several other entities reference staff members by id, and syncing staff
// up front lets their names resolve in the same pass.
var AllEntityTypes = []EntityType{
	EntityStaff,
	EntityCases,
	EntityContacts,
	EntityClients,
	EntityInvoices,
	EntityEvents,
	EntityTasks,
	EntityPayments,
	EntityTimeEntries,
}

// Valid reports whether e names a known entity type.
func (e EntityType) Valid() bool {
	switch e {
	case EntityStaff, EntityCases, EntityContacts, EntityClients,
		EntityInvoices, EntityEvents, EntityTasks, EntityPayments,
		EntityTimeEntries:
		return true
	}
	return false
}

// Endpoint returns the upstream collection path for this entity type.
// It panics on an unknown type; callers are expected to validate first
// (Valid) or range over AllEntityTypes.
func (e EntityType) Endpoint() string {
	switch e {
	case EntityStaff:
		return "/staff"
	case EntityCases:
		return "/cases"
	case EntityContacts:
		return "/contacts"
	case EntityClients:
		return "/clients"
	case EntityInvoices:
		return "/invoices"
	case EntityEvents:
		return "/events"
	case EntityTasks:
		return "/tasks"
	case EntityPayments:
		return "/payments"
	case EntityTimeEntries:
		return "/time_entries"
	}
	panic(fmt.Sprintf("domain: unknown entity type %q", string(e)))
}

// Paginated reports whether the upstream endpoint pages its results.
// Staff is the one flat collection: the upstream returns the full roster
// in a single response.
func (e EntityType) Paginated() bool {
	return e != EntityStaff
}

// ParseEntityTypes validates a list of entity type names, returning the
// typed slice or an error naming the first unknown value. An empty input
// selects all entity types.
func ParseEntityTypes(names []string) ([]EntityType, error) {
	if len(names) == 0 {
		return AllEntityTypes, nil
	}
	out := make([]EntityType, 0, len(names))
	for _, n := range names {
		et := EntityType(n)
		if !et.Valid() {
			return nil, fmt.Errorf("unknown entity type %q", n)
		}
		out = append(out, et)
	}
	return out, nil
}
