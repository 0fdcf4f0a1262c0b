// Package access answers role-hierarchy questions: who may assign KPIs to
// whom and which roles see the whole institution.
package access

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role is one rung of the hierarchy. Lower levels sit higher in the chart.
type Role struct {
	Name       string `yaml:"name"`
	Level      int    `yaml:"level"`
	Top        bool   `yaml:"top"`
	SuperAdmin bool   `yaml:"super_admin"`
}

type Hierarchy struct {
	Roles []Role `yaml:"roles"`

	byName map[string]Role
}

// DefaultHierarchy is used when no role file is configured.
func DefaultHierarchy() *Hierarchy {
	h := &Hierarchy{Roles: []Role{
		{Name: "superadmin", Level: 0, Top: true, SuperAdmin: true},
		{Name: "president", Level: 1, Top: true},
		{Name: "vice_president", Level: 2, Top: true},
		{Name: "dean", Level: 3},
		{Name: "director", Level: 3},
		{Name: "head_of_department", Level: 4},
		{Name: "supervisor", Level: 5},
		{Name: "staff", Level: 6},
	}}
	h.index()
	return h
}

// LoadHierarchy reads a YAML role table from path.
func LoadHierarchy(path string) (*Hierarchy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roles file: %w", err)
	}
	return ParseHierarchy(data)
}

func ParseHierarchy(data []byte) (*Hierarchy, error) {
	var h Hierarchy
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse roles file: %w", err)
	}
	if len(h.Roles) == 0 {
		return nil, fmt.Errorf("roles file defines no roles")
	}
	seen := make(map[string]struct{}, len(h.Roles))
	for i, r := range h.Roles {
		name := normalize(r.Name)
		if name == "" {
			return nil, fmt.Errorf("role %d has no name", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate role %q", r.Name)
		}
		if r.Level < 0 {
			return nil, fmt.Errorf("role %q has negative level", r.Name)
		}
		seen[name] = struct{}{}
	}
	h.index()
	return &h, nil
}

func (h *Hierarchy) index() {
	h.byName = make(map[string]Role, len(h.Roles))
	for _, r := range h.Roles {
		h.byName[normalize(r.Name)] = r
	}
}

func (h *Hierarchy) lookup(role string) (Role, bool) {
	r, ok := h.byName[normalize(role)]
	return r, ok
}

// CanAssignTo reports whether a caller holding callerRole may target targetRole.
// Super admins may target anyone; everyone else only strictly lower rungs.
func (h *Hierarchy) CanAssignTo(callerRole, targetRole string) bool {
	caller, ok := h.lookup(callerRole)
	if !ok {
		return false
	}
	if caller.SuperAdmin {
		return true
	}
	target, ok := h.lookup(targetRole)
	if !ok {
		return false
	}
	return caller.Level < target.Level
}

func (h *Hierarchy) IsTopRole(role string) bool {
	r, ok := h.lookup(role)
	return ok && (r.Top || r.SuperAdmin)
}

func (h *Hierarchy) IsSuperAdmin(role string) bool {
	r, ok := h.lookup(role)
	return ok && r.SuperAdmin
}

func normalize(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
