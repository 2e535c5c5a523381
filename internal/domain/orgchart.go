package domain

import (
	"fmt"
	"strings"
)

// OrgChart is a tree of business units stored flat; each unit names its
// parent by index.
type OrgChart []BusinessUnit

// Check reports the first unit whose parent index is out of range or whose
// ancestry loops back on itself.
func (c OrgChart) Check() error {
	for i, u := range c {
		if u.Parent < -1 || u.Parent >= len(c) {
			return fmt.Errorf("unit %d (%s) has parent %d outside the chart", i, u.Name, u.Parent)
		}
	}
	for i := range c {
		steps := 0
		for p := c[i].Parent; p != -1; p = c[p].Parent {
			steps++
			if p == i || steps > len(c) {
				return fmt.Errorf("unit %d (%s) is its own ancestor", i, c[i].Name)
			}
		}
	}
	return nil
}

// Path returns the unit names from the root down to unit i joined by " / ",
// or "" when i is not a valid index. It assumes Check passed.
func (c OrgChart) Path(i int) string {
	if i < 0 || i >= len(c) {
		return ""
	}
	var names []string
	for p, steps := i, 0; p != -1 && steps <= len(c); p, steps = c[p].Parent, steps+1 {
		if p < 0 || p >= len(c) {
			break
		}
		names = append(names, c[p].Name)
	}
	for l, r := 0, len(names)-1; l < r; l, r = l+1, r-1 {
		names[l], names[r] = names[r], names[l]
	}
	return strings.Join(names, " / ")
}

// Children returns the indices of units directly under i; -1 lists the roots.
func (c OrgChart) Children(i int) []int {
	var out []int
	for j, u := range c {
		if u.Parent == i {
			out = append(out, j)
		}
	}
	return out
}
