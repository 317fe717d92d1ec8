package routing

import "testing"

func roomIDs(rules []Rule) []string {
	ids := make([]string, 0, len(rules))
	for _, r := range rules {
		ids = append(ids, r.RoomID)
	}
	return ids
}

func equalIDs(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestResolve_CaseInsensitive(t *testing.T) {
	t.Parallel()

	table := NewTable([]Rule{
		{RoomID: "!ops:example.org", Addresses: []string{"Ops@Example.com"}},
	})

	got := roomIDs(table.Resolve("OPS@example.COM", RoleTo))
	if !equalIDs(got, []string{"!ops:example.org"}) {
		t.Errorf("Resolve: got %v, want [!ops:example.org]", got)
	}
}

func TestResolve_NoMatchReturnsEmpty(t *testing.T) {
	t.Parallel()

	table := NewTable([]Rule{
		{RoomID: "!ops:example.org", Addresses: []string{"ops@example.com"}},
	})

	if got := table.Resolve("nobody@example.com", RoleTo); len(got) != 0 {
		t.Errorf("Resolve: got %v, want empty", roomIDs(got))
	}
	if got := table.Resolve("", RoleTo); len(got) != 0 {
		t.Errorf("Resolve empty address: got %v, want empty", roomIDs(got))
	}
	if got := table.Resolve("ops@example.com", Role("reply-to")); len(got) != 0 {
		t.Errorf("Resolve unknown role: got %v, want empty", roomIDs(got))
	}
}

func TestResolve_RolesRestrictRules(t *testing.T) {
	t.Parallel()

	table := NewTable([]Rule{
		{RoomID: "!direct", Addresses: []string{"a@x.com"}, Roles: []Role{RoleTo}},
		{RoomID: "!copies", Addresses: []string{"a@x.com"}, Roles: []Role{RoleCc, RoleBcc}},
		{RoomID: "!all", Addresses: []string{"a@x.com"}},
	})

	tests := []struct {
		role Role
		want []string
	}{
		{RoleTo, []string{"!direct", "!all"}},
		{RoleCc, []string{"!copies", "!all"}},
		{RoleBcc, []string{"!copies", "!all"}},
	}

	for _, tt := range tests {
		got := roomIDs(table.Resolve("a@x.com", tt.role))
		if !equalIDs(got, tt.want) {
			t.Errorf("Resolve(%s): got %v, want %v", tt.role, got, tt.want)
		}
	}
}

func TestResolve_DomainWildcardKeepsConfigOrder(t *testing.T) {
	t.Parallel()

	table := NewTable([]Rule{
		{RoomID: "!catchall", Addresses: []string{"*@x.com"}},
		{RoomID: "!exact", Addresses: []string{"a@x.com"}},
		{RoomID: "!both", Addresses: []string{"a@x.com", "*@x.com"}},
	})

	got := roomIDs(table.Resolve("a@x.com", RoleTo))
	want := []string{"!catchall", "!exact", "!both"}
	if !equalIDs(got, want) {
		t.Errorf("Resolve: got %v, want %v", got, want)
	}

	got = roomIDs(table.Resolve("b@x.com", RoleCc))
	want = []string{"!catchall", "!both"}
	if !equalIDs(got, want) {
		t.Errorf("Resolve wildcard only: got %v, want %v", got, want)
	}
}

func TestRoom(t *testing.T) {
	t.Parallel()

	table := NewTable([]Rule{
		{RoomID: "!a", Addresses: []string{"one@x.com"}, PostReplies: true},
		{RoomID: "!a", Addresses: []string{"two@x.com"}},
	})

	rule, ok := table.Room("!a")
	if !ok {
		t.Fatal("Room(!a): not found")
	}
	if !rule.PostReplies {
		t.Error("Room(!a): expected the first configured rule")
	}
	if _, ok := table.Room("!missing"); ok {
		t.Error("Room(!missing): expected not found")
	}
}

func TestRuleValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{"valid", Rule{RoomID: "!a", Addresses: []string{"a@x.com"}, Roles: []Role{"TO"}}, false},
		{"missing room", Rule{Addresses: []string{"a@x.com"}}, true},
		{"missing addresses", Rule{RoomID: "!a"}, true},
		{"unknown role", Rule{RoomID: "!a", Addresses: []string{"a@x.com"}, Roles: []Role{"reply-to"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate: got err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestParseRole(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"to", "Cc", " BCC "} {
		if _, err := ParseRole(in); err != nil {
			t.Errorf("ParseRole(%q): unexpected error %v", in, err)
		}
	}
	if _, err := ParseRole("from"); err == nil {
		t.Error("ParseRole(from): expected error")
	}
}
