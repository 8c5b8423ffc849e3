package detection

import (
	"image/color"
	"sort"
)

// Role is the semantic meaning of a detector class for traffic analytics
type Role int

const (
	RoleOther Role = iota
	RoleVehicle
	RoleEmergency
)

// ClassTable maps detector class ids to labels and analytic roles.
// Different weights number their classes differently, so the table is
// configuration rather than a constant.
type ClassTable struct {
	Names     map[int]string     `json:"names"`
	Vehicles  []int              `json:"vehicles"`
	Emergency []int              `json:"emergency"`
	Colors    map[int]color.RGBA `json:"-"`
}

// DefaultClassTable returns the table for the bundled traffic weights
func DefaultClassTable() ClassTable {
	return ClassTable{
		Names: map[int]string{
			2: "car",
			3: "motorcycle",
			4: "ambulance",
			5: "bus",
			7: "truck",
		},
		Vehicles:  []int{2, 3, 5, 7},
		Emergency: []int{4},
		Colors: map[int]color.RGBA{
			2: {140, 160, 160, 255},
			3: {180, 160, 140, 255},
			4: {100, 220, 100, 255},
			5: {180, 150, 120, 255},
			7: {160, 130, 150, 255},
		},
	}
}

// Filter returns the class ids the detector should report, ascending
func (t ClassTable) Filter() []int {
	seen := make(map[int]bool)
	ids := make([]int, 0, len(t.Vehicles)+len(t.Emergency))
	for _, list := range [][]int{t.Vehicles, t.Emergency} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Ints(ids)
	return ids
}

// Role classifies a detection. Class ids win; labels are the fallback for
// backends that report names the table knows under a different id.
func (t ClassTable) Role(d Detection) Role {
	if role, ok := t.roleOf(d.ClassID); ok {
		return role
	}
	if d.Class != "" {
		for id, name := range t.Names {
			if name == d.Class {
				if role, ok := t.roleOf(id); ok {
					return role
				}
			}
		}
	}
	return RoleOther
}

func (t ClassTable) roleOf(id int) (Role, bool) {
	for _, e := range t.Emergency {
		if e == id {
			return RoleEmergency, true
		}
	}
	for _, v := range t.Vehicles {
		if v == id {
			return RoleVehicle, true
		}
	}
	return RoleOther, false
}

// Label returns the display name for a detection
func (t ClassTable) Label(d Detection) string {
	if d.Class != "" {
		return d.Class
	}
	if name, ok := t.Names[d.ClassID]; ok {
		return name
	}
	return "object"
}

// Color returns the overlay color for a class id
func (t ClassTable) Color(id int) color.RGBA {
	if c, ok := t.Colors[id]; ok {
		return c
	}
	return color.RGBA{160, 160, 160, 255}
}
