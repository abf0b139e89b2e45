package platform

import (
	"sync"

	"WeRelay/pkg/logger"
)

// UserRoute is one listen-list row resolved into a route.
type UserRoute struct {
	Role    string
	Backend string
}

// Factory constructs one backend's adapter. Construction may fail (missing
// credentials); the router logs and omits such backends.
type Factory func() (Platform, error)

// Stats summarizes the router's live state.
type Stats struct {
	TotalPlatforms   int            `json:"total_platforms"`
	Available        []Info         `json:"available_platforms"`
	UserDistribution map[string]int `json:"user_distribution"`
	DefaultPlatform  string         `json:"default_platform"`
	TotalUsers       int            `json:"total_users"`
}

// Router maps each listened user to a backend adapter and forwards calls.
// Adapter instances are created once at construction and live for the
// process lifetime.
type Router struct {
	mu          sync.RWMutex
	userMapping map[string]UserRoute
	platforms   map[string]Platform
	defaultName string
}

// NewRouter eagerly builds every configured backend. A factory that fails is
// logged and its backend excluded from the live set; it is not retried.
func NewRouter(userMapping map[string]UserRoute, factories map[string]Factory) *Router {
	r := &Router{
		userMapping: userMapping,
		platforms:   make(map[string]Platform),
		defaultName: BackendDirect,
	}

	for name, factory := range factories {
		p, err := factory()
		if err != nil {
			logger.Errorf("router: backend %s unavailable: %v", name, err)
			continue
		}
		r.platforms[name] = p
		logger.Infof("router: backend %s ready", name)
	}

	logger.Infof("router: initialized with %d backends for %d users", len(r.platforms), len(userMapping))
	return r
}

// UserPlatform resolves the adapter for a user. Unmapped users get the
// default backend. A mapped backend that failed to initialize falls back to
// the default (lenient policy); nil is returned only when no backend at all
// is available.
func (r *Router) UserPlatform(userID string) Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := r.defaultName
	if route, ok := r.userMapping[userID]; ok && route.Backend != "" {
		name = route.Backend
	}

	p, ok := r.platforms[name]
	if !ok {
		if name != r.defaultName {
			logger.Warnf("router: backend %s not available for user %s, falling back to %s", name, userID, r.defaultName)
		}
		p, ok = r.platforms[r.defaultName]
	}
	if !ok {
		logger.Errorf("router: no available backend for user %s", userID)
		return nil
	}
	return p
}

// UserRouteConfig returns the user's route, defaulting to the default
// backend for unmapped users.
func (r *Router) UserRouteConfig(userID string) UserRoute {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if route, ok := r.userMapping[userID]; ok {
		return route
	}
	return UserRoute{Role: "default", Backend: r.defaultName}
}

// RouteMessage forwards one message to the user's adapter. It never returns
// an error: a missing adapter or an empty reply becomes an apology string,
// and the adapter's own boundary already converts its failures.
func (r *Router) RouteMessage(userID, message string, opts Options) string {
	p := r.UserPlatform(userID)
	if p == nil {
		return ApologyNoPlatform
	}

	logger.Debugf("router: routing message from %s to %s", userID, p.Name())
	reply := p.GetResponse(message, userID, opts)
	if reply == "" {
		return ApologyEmptyReply
	}
	return reply
}

// Stats reports the live adapter set and the per-backend user counts derived
// from the static mapping.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalPlatforms:   len(r.platforms),
		Available:        make([]Info, 0, len(r.platforms)),
		UserDistribution: make(map[string]int),
		DefaultPlatform:  r.defaultName,
		TotalUsers:       len(r.userMapping),
	}
	for _, p := range r.platforms {
		stats.Available = append(stats.Available, p.Info())
	}
	for _, route := range r.userMapping {
		name := route.Backend
		if name == "" {
			name = r.defaultName
		}
		stats.UserDistribution[name]++
	}
	return stats
}

// TestAll probes every live adapter and reports a result per backend name.
func (r *Router) TestAll() map[string]bool {
	r.mu.RLock()
	platforms := make(map[string]Platform, len(r.platforms))
	for name, p := range r.platforms {
		platforms[name] = p
	}
	r.mu.RUnlock()

	results := make(map[string]bool, len(platforms))
	for name, p := range platforms {
		ok := p.TestConnection()
		results[name] = ok
		if ok {
			logger.Infof("router: backend %s connection test passed", name)
		} else {
			logger.Warnf("router: backend %s connection test failed", name)
		}
	}
	return results
}

// UpdateUserMapping swaps in a re-parsed listen list. Adapter instances are
// untouched.
func (r *Router) UpdateUserMapping(userMapping map[string]UserRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.userMapping = userMapping
	logger.Infof("router: user mapping updated, %d users", len(userMapping))
}
