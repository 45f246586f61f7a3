package snapshot

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxy-rotator/internal/pool"
	"github.com/proxy-rotator/internal/storage"
	"github.com/proxy-rotator/internal/types"
	log "github.com/sirupsen/logrus"
)

// Capture builds a status report from the registry's current state.
func Capture(reg *pool.Registry) *types.Snapshot {
	descriptors := reg.All()
	st := reg.State()

	proxies := make([]types.Proxy, len(descriptors))
	var lastCheck time.Time
	for i, d := range descriptors {
		proxies[i] = types.Proxy{
			Index:       i,
			URL:         d.URL,
			Address:     d.Address,
			Port:        d.Port,
			Scheme:      string(d.Scheme),
			Working:     d.Working,
			Blacklisted: d.Blacklisted,
			LastCheck:   d.LastChecked,
		}
		if d.LastChecked.After(lastCheck) {
			lastCheck = d.LastChecked
		}
	}

	stats := types.Stats{
		Total:                 st.Total,
		Working:               st.Working,
		Blacklisted:           st.Blacklisted,
		CurrentIndex:          st.CurrentIndex,
		RequestsSinceRotation: st.RequestsSinceRotation,
		LastRotation:          st.LastRotation,
		LastCheckTime:         lastCheck,
	}
	if st.Total > 0 {
		stats.WorkingPercent = float64(st.Working) / float64(st.Total) * 100
	}

	return &types.Snapshot{
		Proxies: proxies,
		Stats:   stats,
		Updated: time.Now(),
	}
}

// Manager holds the latest status report and publishes it to storage.
type Manager struct {
	current   atomic.Value // stores *types.Snapshot
	storage   storage.Storage
	persistMu sync.Mutex

	persistInterval time.Duration
	stopPersist     chan struct{}
	closeOnce       sync.Once
	wg              sync.WaitGroup
}

func NewManager(store storage.Storage, persistIntervalSeconds int) *Manager {
	m := &Manager{
		storage:         store,
		persistInterval: time.Duration(persistIntervalSeconds) * time.Second,
		stopPersist:     make(chan struct{}),
	}

	m.current.Store(&types.Snapshot{
		Proxies: []types.Proxy{},
		Updated: time.Now(),
	})

	if persistIntervalSeconds > 0 {
		m.wg.Add(1)
		go m.periodicPersist()
	}

	return m
}

// Update swaps in a new report and persists it in the background.
func (m *Manager) Update(snap *types.Snapshot) {
	m.current.Store(snap)
	log.Infof("Status updated: %d/%d proxies working", snap.Stats.Working, snap.Stats.Total)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.persist(snap)
	}()
}

// Refresh captures the registry and publishes the result.
func (m *Manager) Refresh(reg *pool.Registry) *types.Snapshot {
	snap := Capture(reg)
	m.Update(snap)
	return snap
}

func (m *Manager) Get() *types.Snapshot {
	return m.current.Load().(*types.Snapshot)
}

func (m *Manager) GetStats() types.Stats {
	return m.Get().Stats
}

func (m *Manager) persist(snap *types.Snapshot) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if err := m.storage.Save(snap); err != nil {
		log.Errorf("Failed to persist status report: %v", err)
	} else {
		log.Debugf("Status report persisted: %d proxies", len(snap.Proxies))
	}
}

func (m *Manager) periodicPersist() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.persist(m.Get())
		case <-m.stopPersist:
			return
		}
	}
}

// Close stops background persistence, waits for pending writes and saves the
// latest report once more.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopPersist)
		m.wg.Wait()
		m.persist(m.Get())
	})
}
