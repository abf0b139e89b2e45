package platform

import (
	"fmt"
	"sync"

	"WeRelay/pkg/chatctx"
	"WeRelay/pkg/config"
	"WeRelay/pkg/logger"
	"WeRelay/pkg/persona"
)

// Manager owns the router and the shared collaborators (context store,
// persona loader) built from one configuration. The embedding application
// constructs a Manager at startup and passes it to its message handlers;
// there is deliberately no package-level singleton.
type Manager struct {
	mu       sync.Mutex
	cfg      *config.Config
	store    *chatctx.Store
	personas *persona.Loader
	router   *Router
}

// NewManager wires the shared collaborators from cfg. The router itself is
// built lazily on first use so construction never performs network work.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    chatctx.New(cfg.ContextPath, cfg.MaxGroups),
		personas: persona.NewLoader(cfg.PersonaDir),
	}
}

// Store exposes the shared context store (admin tooling, tests).
func (m *Manager) Store() *chatctx.Store { return m.store }

// Router returns the lazily-built router, parsing the listen list on first
// call. A malformed listen list is a hard configuration error.
func (m *Manager) Router() (*Router, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.routerLocked()
}

func (m *Manager) routerLocked() (*Router, error) {
	if m.router != nil {
		return m.router, nil
	}

	mapping, err := ParseListenList(m.cfg.ListenList)
	if err != nil {
		return nil, err
	}

	deps := Deps{
		Store:    m.store,
		Personas: m.personas,
		RoleFor:  m.roleFor,
	}
	factories := map[string]Factory{
		BackendDirect: func() (Platform, error) {
			return NewDirectPlatform(m.cfg.Direct, m.cfg.EnableSensitiveClearing, deps)
		},
		BackendCoze: func() (Platform, error) {
			return NewCozePlatform(m.cfg.Coze, deps)
		},
		BackendDify: func() (Platform, error) {
			return NewDifyPlatform(m.cfg.Dify, deps)
		},
	}

	m.router = NewRouter(mapping, factories)
	return m.router, nil
}

// roleFor resolves a user's configured role label from the live mapping.
func (m *Manager) roleFor(userID string) string {
	m.mu.Lock()
	r := m.router
	m.mu.Unlock()
	if r == nil {
		return ""
	}
	return r.UserRouteConfig(userID).Role
}

// RouteUserMessage is the embedding application's entry point for one
// inbound message. It never returns an error; configuration problems that
// prevent routing resolve to the unavailable-service apology.
func (m *Manager) RouteUserMessage(userID, message string, opts Options) string {
	router, err := m.Router()
	if err != nil {
		logger.Errorf("manager: cannot build router: %v", err)
		return ApologyNoPlatform
	}
	return router.RouteMessage(userID, message, opts)
}

// ReloadUserMapping re-parses the listen list and updates the existing
// router in place, or builds a fresh one if none exists yet.
func (m *Manager) ReloadUserMapping() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mapping, err := ParseListenList(m.cfg.ListenList)
	if err != nil {
		return err
	}
	if m.router == nil {
		_, err := m.routerLocked()
		return err
	}
	m.router.UpdateUserMapping(mapping)
	return nil
}

// Stats returns router stats extended with per-backend usage percentages.
func (m *Manager) Stats() (Stats, map[string]float64, error) {
	router, err := m.Router()
	if err != nil {
		return Stats{}, nil, err
	}

	stats := router.Stats()
	percentages := make(map[string]float64)
	if stats.TotalUsers > 0 {
		for name, count := range stats.UserDistribution {
			percentages[name] = float64(count) / float64(stats.TotalUsers) * 100
		}
	}
	return stats, percentages, nil
}

// TestAllPlatforms probes every live backend.
func (m *Manager) TestAllPlatforms() (map[string]bool, error) {
	router, err := m.Router()
	if err != nil {
		return nil, err
	}
	return router.TestAll(), nil
}

// ParseListenList converts [user, role, backend] rows into the route
// mapping. Any other arity and unknown backend names are hard configuration
// errors; a duplicate user overwrites the earlier row with a warning.
func ParseListenList(listenList [][]string) (map[string]UserRoute, error) {
	mapping := make(map[string]UserRoute, len(listenList))

	for i, entry := range listenList {
		if len(entry) != 3 {
			return nil, fmt.Errorf("%w: listen_list entry %d must have exactly 3 elements [user, role, backend], got %d",
				ErrConfig, i, len(entry))
		}
		user, role, backend := entry[0], entry[1], entry[2]

		if !isValidBackend(backend) {
			return nil, fmt.Errorf("%w: listen_list entry %d has unknown backend %q (valid: %v)",
				ErrConfig, i, backend, ValidBackends)
		}
		if _, dup := mapping[user]; dup {
			logger.Warnf("manager: duplicate user %q in listen_list, overwriting previous entry", user)
		}

		mapping[user] = UserRoute{Role: role, Backend: backend}
		logger.Debugf("manager: mapped user %q to role %q on backend %q", user, role, backend)
	}

	logger.Infof("manager: parsed %d users from listen_list", len(mapping))
	return mapping, nil
}

func isValidBackend(name string) bool {
	for _, b := range ValidBackends {
		if name == b {
			return true
		}
	}
	return false
}
