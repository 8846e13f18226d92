// Package policy carries the static per-application configuration consumed by
// the session coordinator: membership caps, room pools, and the global
// proximity thresholds. Read-only at runtime.
package policy

import "math/rand/v2"

// Application is the per-application slice of the policy.
type Application struct {
	// MaxDevicesPerSession caps session membership for this application.
	MaxDevicesPerSession int `json:"maxDevicesPerSession"`
	// Rooms is the pool a new session's room name is drawn from. May be empty.
	Rooms []string `json:"rooms"`
}

// Policy is the full application policy.
type Policy struct {
	apps        map[string]Application
	defaultMax  int
	minDistance float64
	maxDistance float64
}

// New builds a policy from per-application entries plus the global proximity
// thresholds in meters. defaultMax applies to applications without an entry.
func New(apps map[string]Application, defaultMax int, minDistanceMeters, maxDistanceMeters float64) *Policy {
	if apps == nil {
		apps = map[string]Application{}
	}
	return &Policy{
		apps:        apps,
		defaultMax:  defaultMax,
		minDistance: minDistanceMeters,
		maxDistance: maxDistanceMeters,
	}
}

// MaxDevices returns the session membership cap for an application.
func (p *Policy) MaxDevices(applicationID string) int {
	if app, ok := p.apps[applicationID]; ok && app.MaxDevicesPerSession > 0 {
		return app.MaxDevicesPerSession
	}
	return p.defaultMax
}

// AssignRoom draws a room name uniformly at random from the application's
// pool. Returns "" when the application has no rooms configured.
func (p *Policy) AssignRoom(applicationID string) string {
	app, ok := p.apps[applicationID]
	if !ok || len(app.Rooms) == 0 {
		return ""
	}
	return app.Rooms[rand.IntN(len(app.Rooms))]
}

// MinDistance is the tight proximity threshold in meters.
func (p *Policy) MinDistance() float64 { return p.minDistance }

// MaxDistance is the loose fallback proximity threshold in meters.
func (p *Policy) MaxDistance() float64 { return p.maxDistance }
