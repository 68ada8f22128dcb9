package policy

import (
	"sort"
)

// PersonaSpec describes one standard role and its system-wide precedence.
type PersonaSpec struct {
	Code        string    `json:"code" yaml:"code"`
	Name        string    `json:"name" yaml:"name"`
	ScopeMode   ScopeType `json:"scope_mode" yaml:"scope_mode"`
	Priority    int       `json:"priority" yaml:"priority"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// Standard persona codes.
const (
	PersonaTenantAdmin = "tenant_admin"
	PersonaModuleAdmin = "module_admin"
	PersonaManager     = "manager"
	PersonaAgent       = "agent"
	PersonaRequester   = "requester"
	PersonaReporter    = "reporter"
	PersonaViewer      = "viewer"
)

// PersonaRegistry is the single source of truth for standard role
// priorities and legacy code mapping. Built once at startup and queried
// by every resolution path.
type PersonaRegistry struct {
	byCode  map[string]PersonaSpec
	legacy  map[string]string
	ordered []PersonaSpec
}

// DefaultPersonas returns the seven standard personas with their fixed
// priorities.
func DefaultPersonas() []PersonaSpec {
	return []PersonaSpec{
		{Code: PersonaTenantAdmin, Name: "Tenant Administrator", ScopeMode: ScopeTenant, Priority: 10, Description: "Full control within the tenant"},
		{Code: PersonaModuleAdmin, Name: "Module Administrator", ScopeMode: ScopeModule, Priority: 20, Description: "Administers one module"},
		{Code: PersonaManager, Name: "Manager", ScopeMode: ScopeOU, Priority: 30, Description: "Manages an organizational unit"},
		{Code: PersonaAgent, Name: "Agent", ScopeMode: ScopeOU, Priority: 40, Description: "Works items within an organizational unit"},
		{Code: PersonaRequester, Name: "Requester", ScopeMode: ScopeTenant, Priority: 50, Description: "Creates and tracks own requests"},
		{Code: PersonaReporter, Name: "Reporter", ScopeMode: ScopeTenant, Priority: 60, Description: "Read access to reporting surfaces"},
		{Code: PersonaViewer, Name: "Viewer", ScopeMode: ScopeTenant, Priority: 70, Description: "Read-only access"},
	}
}

// NewPersonaRegistry builds a registry from the given specs. Legacy role
// codes sent by external identity providers are normalized to current
// persona codes.
func NewPersonaRegistry(specs []PersonaSpec) *PersonaRegistry {
	r := &PersonaRegistry{
		byCode: make(map[string]PersonaSpec, len(specs)),
		legacy: map[string]string{
			"admin":    PersonaModuleAdmin,
			"user":     PersonaRequester,
			"readonly": PersonaViewer,
		},
	}
	for _, s := range specs {
		r.byCode[s.Code] = s
	}
	r.ordered = append(r.ordered, specs...)
	sort.Slice(r.ordered, func(i, j int) bool {
		if r.ordered[i].Priority != r.ordered[j].Priority {
			return r.ordered[i].Priority < r.ordered[j].Priority
		}
		return r.ordered[i].Code < r.ordered[j].Code
	})
	return r
}

// DefaultPersonaRegistry builds a registry over the standard personas.
func DefaultPersonaRegistry() *PersonaRegistry {
	return NewPersonaRegistry(DefaultPersonas())
}

// NormalizeToPersonaCode maps legacy role codes to current persona codes.
// Unknown codes pass through unchanged.
func (r *PersonaRegistry) NormalizeToPersonaCode(code string) string {
	if mapped, ok := r.legacy[code]; ok {
		return mapped
	}
	return code
}

// Lookup returns the persona spec for a code, normalizing legacy codes
// first.
func (r *PersonaRegistry) Lookup(code string) (PersonaSpec, bool) {
	s, ok := r.byCode[r.NormalizeToPersonaCode(code)]
	return s, ok
}

// QualifiedPersonas returns the standard personas among the given role
// codes, ordered by precedence (lowest priority number first). Non-persona
// codes are ignored.
func (r *PersonaRegistry) QualifiedPersonas(roleCodes []string) []string {
	seen := make(map[string]bool, len(roleCodes))
	var specs []PersonaSpec
	for _, code := range roleCodes {
		s, ok := r.Lookup(code)
		if !ok || seen[s.Code] {
			continue
		}
		seen[s.Code] = true
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Priority != specs[j].Priority {
			return specs[i].Priority < specs[j].Priority
		}
		return specs[i].Code < specs[j].Code
	})
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Code
	}
	return out
}

// EffectivePersona returns the single highest-precedence persona among
// the given role codes, defaulting to viewer when none qualify.
func (r *PersonaRegistry) EffectivePersona(roleCodes []string) string {
	q := r.QualifiedPersonas(roleCodes)
	if len(q) == 0 {
		return PersonaViewer
	}
	return q[0]
}
