package routing

import "strings"

// Table is an immutable, indexed view over a list of rules. It is safe for
// concurrent use.
type Table struct {
	rules []Rule

	// byRole maps a role and a lower-cased address (or "*@domain" pattern)
	// to the indexes of matching rules in configuration order.
	byRole map[Role]map[string][]int
	rooms  map[string]int
}

// NewTable indexes rules. The slice is copied.
func NewTable(rules []Rule) *Table {
	t := &Table{
		rules:  make([]Rule, len(rules)),
		byRole: make(map[Role]map[string][]int, len(AllRoles)),
		rooms:  make(map[string]int, len(rules)),
	}
	copy(t.rules, rules)

	for _, role := range AllRoles {
		t.byRole[role] = make(map[string][]int)
	}

	for i := range t.rules {
		rule := &t.rules[i]
		if _, ok := t.rooms[rule.RoomID]; !ok {
			t.rooms[rule.RoomID] = i
		}
		for _, role := range AllRoles {
			if !rule.appliesTo(role) {
				continue
			}
			seen := make(map[string]bool, len(rule.Addresses))
			for _, addr := range rule.Addresses {
				key := strings.ToLower(strings.TrimSpace(addr))
				if key == "" || seen[key] {
					continue
				}
				seen[key] = true
				t.byRole[role][key] = append(t.byRole[role][key], i)
			}
		}
	}

	return t
}

// Resolve returns the rules matching address under role, in configuration
// order. It returns nil when nothing matches.
func (t *Table) Resolve(address string, role Role) []Rule {
	index, ok := t.byRole[role]
	if !ok {
		return nil
	}

	addr := strings.ToLower(strings.TrimSpace(address))
	if addr == "" {
		return nil
	}

	matches := index[addr]
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		if wildcard := index["*"+addr[at:]]; len(wildcard) > 0 {
			matches = mergeOrdered(matches, wildcard)
		}
	}

	if len(matches) == 0 {
		return nil
	}

	out := make([]Rule, 0, len(matches))
	for _, i := range matches {
		out = append(out, t.rules[i])
	}
	return out
}

// Room returns the first rule configured for roomID.
func (t *Table) Room(roomID string) (Rule, bool) {
	i, ok := t.rooms[roomID]
	if !ok {
		return Rule{}, false
	}
	return t.rules[i], true
}

// Rules returns a copy of every rule in configuration order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// mergeOrdered merges two ascending index lists, dropping duplicates.
func mergeOrdered(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j >= len(b) || (i < len(a) && a[i] < b[j]):
			out = append(out, a[i])
			i++
		case i >= len(a) || b[j] < a[i]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}
