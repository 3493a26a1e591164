package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"offsync/internal/config"

	"github.com/rs/zerolog"
)

// ChangeFunc is called with the new reachability after every transition.
type ChangeFunc func(online bool)

// Monitor tracks whether the sync server is reachable. Transitions come from
// SetOnline (platform signals, the admin API) or from the optional probe loop.
type Monitor struct {
	notifyMu sync.Mutex

	mu        sync.Mutex
	online    bool
	nextID    uint64
	listeners map[uint64]ChangeFunc

	probeURL string
	interval time.Duration
	client   *http.Client
	logger   *zerolog.Logger

	wg sync.WaitGroup
}

func NewMonitor(cfg config.ConnectivityConfig, logger *zerolog.Logger) *Monitor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "connectivity").Logger()

	interval := cfg.ProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Monitor{
		online:    cfg.StartOnline,
		listeners: make(map[uint64]ChangeFunc),
		probeURL:  cfg.ProbeURL,
		interval:  interval,
		client:    &http.Client{Timeout: timeout},
		logger:    &l,
	}
}

// Online reports the last known reachability.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records reachability and notifies listeners when it changed.
func (m *Monitor) SetOnline(online bool) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	listeners := make([]ChangeFunc, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	m.logger.Info().Bool("online", online).Msg("connectivity changed")
	for _, fn := range listeners {
		fn(online)
	}
	return true
}

// OnChange registers fn and returns a func that removes it.
func (m *Monitor) OnChange(fn ChangeFunc) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Start runs the probe loop until ctx is done. Without a probe URL only
// manual SetOnline calls change state.
func (m *Monitor) Start(ctx context.Context) {
	if m.probeURL == "" {
		m.logger.Info().Msg("connectivity probe disabled")
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.SetOnline(m.Probe(ctx))

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SetOnline(m.Probe(ctx))
			}
		}
	}()
}

// Wait blocks until the probe loop has exited.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Probe issues one HEAD request. Any response below 500 counts as reachable:
// the server answered.
func (m *Monitor) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		m.logger.Error().Err(err).Msg("build probe request")
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug().Err(err).Msg("probe failed")
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
