package registry

import "github.com/kandev/orchestrator/internal/delivery"

// Lookup implements delivery.SessionLookup, letting the Delivery Engine
// resolve adapter kind and EM-class without depending on the registry's
// concrete Session type.
func (r *Registry) Lookup(id string) (delivery.SessionView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return delivery.SessionView{}, false
	}
	return delivery.SessionView{ID: s.ID, Kind: string(s.Kind), IsEM: s.IsEM}, true
}

// MarkStopped implements delivery.SessionLookup; it is a thin alias over
// KillSession so the Delivery Engine can react to terminal adapter death
// without importing the registry package's full API.
func (r *Registry) MarkStopped(id string) error {
	return r.KillSession(id)
}
