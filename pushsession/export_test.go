package pushsession

import "time"

// SetNow overrides the registry clock. Test-only.
func (r *Registry) SetNow(now func() time.Time) { r.now = now }
