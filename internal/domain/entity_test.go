package domain

import "testing"

func TestEntityTypeSetIsClosedAndConsistent(t *testing.T) {
	if len(AllEntityTypes) != 9 {
		t.Fatalf("entity set has %d members, want 9", len(AllEntityTypes))
	}
	seen := map[EntityType]bool{}
	for _, et := range AllEntityTypes {
		if !et.Valid() {
			t.Errorf("%s: not Valid()", et)
		}
		if seen[et] {
			t.Errorf("%s: duplicated in AllEntityTypes", et)
		}
		seen[et] = true
		if ep := et.Endpoint(); ep == "" || ep[0] != '/' {
			t.Errorf("%s: bad endpoint %q", et, ep)
		}
	}
	if AllEntityTypes[0] != EntityStaff {
		t.Fatalf("staff must sync first, got %s", AllEntityTypes[0])
	}
}

func TestEntityTypePaginated(t *testing.T) {
	if EntityStaff.Paginated() {
		t.Fatal("staff is a flat collection")
	}
	for _, et := range AllEntityTypes[1:] {
		if !et.Paginated() {
			t.Errorf("%s: should be paginated", et)
		}
	}
}

func TestEntityTypeValidRejectsUnknown(t *testing.T) {
	if EntityType("wizards").Valid() {
		t.Fatal("unknown type reported valid")
	}
}

func TestParseEntityTypes(t *testing.T) {
	all, err := ParseEntityTypes(nil)
	if err != nil {
		t.Fatalf("ParseEntityTypes(nil): %v", err)
	}
	if len(all) != len(AllEntityTypes) {
		t.Fatalf("empty input selected %d types, want all", len(all))
	}

	got, err := ParseEntityTypes([]string{"cases", "time_entries"})
	if err != nil {
		t.Fatalf("ParseEntityTypes: %v", err)
	}
	if len(got) != 2 || got[0] != EntityCases || got[1] != EntityTimeEntries {
		t.Fatalf("got %v", got)
	}

	if _, err := ParseEntityTypes([]string{"cases", "wizards"}); err == nil {
		t.Fatal("unknown name accepted")
	}
}
