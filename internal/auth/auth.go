// Package auth defines the capability interface the engine uses for
// role checks. Callers inject an implementation; the engine holds no global
// permission state.
package auth

// Authorizer answers role questions about caller identities.
type Authorizer interface {
	// IsAdmin reports whether the identity may use administrative operations
	// (config mutation, emergency controls) and bypass read gating.
	IsAdmin(id string) bool

	// IsOperator reports whether the identity may perform operational reads
	// such as pending-consensus inspection.
	IsOperator(id string) bool
}

// Static is a fixed-membership Authorizer seeded at startup.
type Static struct {
	admins    map[string]struct{}
	operators map[string]struct{}
}

// NewStatic builds a Static authorizer from explicit identity lists.
// Administrators implicitly hold operator rights.
func NewStatic(admins, operators []string) *Static {
	s := &Static{
		admins:    make(map[string]struct{}, len(admins)),
		operators: make(map[string]struct{}, len(operators)),
	}
	for _, id := range admins {
		s.admins[id] = struct{}{}
	}
	for _, id := range operators {
		s.operators[id] = struct{}{}
	}
	return s
}

// IsAdmin implements Authorizer.
func (s *Static) IsAdmin(id string) bool {
	_, ok := s.admins[id]
	return ok
}

// IsOperator implements Authorizer.
func (s *Static) IsOperator(id string) bool {
	if s.IsAdmin(id) {
		return true
	}
	_, ok := s.operators[id]
	return ok
}
