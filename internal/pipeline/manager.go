package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trafficmon/internal/capture"
	"trafficmon/internal/detection"
	"trafficmon/internal/resources"
)

// ManagerConfig holds the admission limits
type ManagerConfig struct {
	MaxStreams int
	// MemoryCeilingGB rejects starts while accelerator memory use exceeds it
	MemoryCeilingGB float64
	// TemperatureCeilingC rejects starts while the hottest sensor exceeds it
	TemperatureCeilingC float64

	Session SessionConfig
}

// DefaultManagerConfig returns the limits tuned for a single 16GB accelerator
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxStreams:          6,
		MemoryCeilingGB:     14,
		TemperatureCeilingC: 85,
		Session:             DefaultSessionConfig(),
	}
}

// Manager is the registry of active sessions and enforces admission control.
// Registry mutation is the only state shared between sessions.
type Manager struct {
	cfg     ManagerConfig
	models  ModelResolver
	factory detection.Factory
	opener  capture.Opener
	probe   resources.Probe
	bus     *EventBus

	mu       sync.Mutex
	sessions map[string]*Session
	// offline counts running ProcessFile jobs, which hold a stream slot
	offline int
}

// NewManager creates a session manager
func NewManager(cfg ManagerConfig, models ModelResolver, factory detection.Factory, opener capture.Opener, probe resources.Probe, bus *EventBus) *Manager {
	if bus == nil {
		bus = NewEventBus()
	}
	if probe == nil {
		probe = resources.StaticProbe{}
	}
	return &Manager{
		cfg:      cfg,
		models:   models,
		factory:  factory,
		opener:   opener,
		probe:    probe,
		bus:      bus,
		sessions: make(map[string]*Session),
	}
}

// Bus returns the event bus sessions publish on
func (m *Manager) Bus() *EventBus {
	return m.bus
}

// Config returns the admission limits
func (m *Manager) Config() ManagerConfig {
	return m.cfg
}

// Start admits and starts a session. Rejections are returned synchronously
// and leave the registry unchanged.
func (m *Manager) Start(ctx context.Context, req StartRequest) (SessionInfo, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	loc, err := capture.ParseLocator(req.Source)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	// Cheap checks first so a rejected start never waits on the probe
	m.mu.Lock()
	err = m.admitLocked(req.ID)
	m.mu.Unlock()
	if err != nil {
		return SessionInfo{}, err
	}

	if err := m.checkResources(ctx); err != nil {
		return SessionInfo{}, err
	}

	// Reserve the slot so concurrent starts cannot exceed the cap
	s := newSession(req, loc, m.opener, m.cfg.Session, m.bus)
	m.mu.Lock()
	if err := m.admitLocked(req.ID); err != nil {
		m.mu.Unlock()
		return SessionInfo{}, err
	}
	m.sessions[req.ID] = s
	m.mu.Unlock()

	model, err := m.models.Resolve(req.Model)
	if err != nil {
		m.unreserve(s)
		return SessionInfo{}, err
	}

	det, err := m.factory(ctx, model)
	if err != nil {
		m.unreserve(s)
		return SessionInfo{}, fmt.Errorf("%w: loading %s: %v", ErrModelUnavailable, model.Name, err)
	}

	log.Printf("[Manager] Warming up %s for session %s", model.Name, req.ID)
	if err := det.Warmup(ctx); err != nil {
		det.Close()
		m.unreserve(s)
		return SessionInfo{}, fmt.Errorf("%w: warm-up failed: %v", ErrModelUnavailable, err)
	}
	s.attach(det, model)

	m.mu.Lock()
	if m.sessions[req.ID] != s {
		// stopped while starting
		m.mu.Unlock()
		det.Close()
		return SessionInfo{}, fmt.Errorf("%w: %s stopped during start", ErrSessionNotFound, req.ID)
	}
	s.run()
	m.mu.Unlock()

	log.Printf("[Manager] Started session %s (%d/%d active)", req.ID, m.activeCount(), m.cfg.MaxStreams)
	return s.Info(), nil
}

func (m *Manager) admitLocked(id string) error {
	if _, exists := m.sessions[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	return m.capacityLocked()
}

func (m *Manager) capacityLocked() error {
	active := m.activeLocked() + m.offline
	if m.cfg.MaxStreams > 0 && active >= m.cfg.MaxStreams {
		return fmt.Errorf("%w: %d of %d streams active", ErrResourceExhausted, active, m.cfg.MaxStreams)
	}
	return nil
}

// checkResources applies the accelerator memory and thermal ceilings.
// Unreadable sensors pass.
func (m *Manager) checkResources(ctx context.Context) error {
	reading := m.probe.Read(ctx)
	if reading.MemoryOK && m.cfg.MemoryCeilingGB > 0 && reading.MemoryUsedGB() > m.cfg.MemoryCeilingGB {
		return fmt.Errorf("%w: accelerator memory %.1fGB above %.1fGB",
			ErrResourceExhausted, reading.MemoryUsedGB(), m.cfg.MemoryCeilingGB)
	}
	if reading.TemperatureOK && m.cfg.TemperatureCeilingC > 0 && reading.TemperatureC > m.cfg.TemperatureCeilingC {
		return fmt.Errorf("%w: temperature %.0fC above %.0fC",
			ErrResourceExhausted, reading.TemperatureC, m.cfg.TemperatureCeilingC)
	}
	return nil
}

// admitOffline reserves a stream slot for an offline job. The returned
// function gives it back.
func (m *Manager) admitOffline(ctx context.Context) (func(), error) {
	m.mu.Lock()
	err := m.capacityLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := m.checkResources(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.capacityLocked(); err != nil {
		return nil, err
	}
	m.offline++

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.offline--
			m.mu.Unlock()
		})
	}, nil
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, s := range m.sessions {
		if s.Status().Active() {
			n++
		}
	}
	return n
}

func (m *Manager) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *Manager) unreserve(s *Session) {
	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
}

// Stop shuts a session down and removes it from the registry.
// Unknown ids return ErrSessionNotFound and change nothing.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	timeout := m.cfg.Session.JoinTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = max(left, 100*time.Millisecond)
		}
	}
	s.stop(timeout)

	log.Printf("[Manager] Stopped session %s", id)
	return nil
}

// Get returns a registered session
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns every registered session ordered by id
func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Status returns the admission view used by health checks
func (m *Manager) Status(ctx context.Context) ResourceStatus {
	infos := m.List()

	loaded := make(map[string]bool)
	active := 0
	for _, info := range infos {
		if info.Status.Active() {
			active++
			if info.Model != "" {
				loaded[info.Model] = true
			}
		}
	}
	models := make([]string, 0, len(loaded))
	for name := range loaded {
		models = append(models, name)
	}
	sort.Strings(models)

	m.mu.Lock()
	offline := m.offline
	m.mu.Unlock()

	return ResourceStatus{
		Active:       active,
		Offline:      offline,
		Max:          m.cfg.MaxStreams,
		LoadedModels: models,
		Reading:      m.probe.Read(ctx),
	}
}

// Close stops every session
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Stop(ctx, id)
		}(id)
	}
	wg.Wait()

	log.Printf("[Manager] Closed all sessions")
	return nil
}

var _ SessionManager = (*Manager)(nil)
