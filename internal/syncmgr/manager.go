// Package syncmgr reconciles the in-memory settings document with a local
// cache and the content host, and exposes a save lifecycle to consumers.
//
// Writes for a document are single-flight: a newer Save cancels the write in
// progress and runs after it has settled, so two writes never race to the
// host. A Save with content identical to the in-flight write joins it.
package syncmgr

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"storefront/api/internal/cache"
	"storefront/api/internal/contents"
	"storefront/api/internal/document"
)

// ErrSuperseded resolves a flight that was cancelled by a newer Save.
var ErrSuperseded = errors.New("save superseded by a newer save")

// Remote is the manager's view of the content host: a public read and a
// privileged, version-guarded write.
type Remote interface {
	Fetch(ctx context.Context) (document.Document, document.Version, error)
	Publish(ctx context.Context, doc document.Document, expected document.Version) (contents.PublishResult, error)
}

type Options struct {
	Remote Remote
	Cache  cache.Cache
	// DevMode keeps writes off the content host: saves settle after
	// DevDelay. Load still reads the published document.
	DevMode  bool
	DevDelay time.Duration
	Rollback RollbackPolicy
	Logger   *log.Logger
}

type Manager struct {
	remote   Remote
	cache    cache.Cache
	devMode  bool
	devDelay time.Duration
	rollback RollbackPolicy
	logger   *log.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	doc         document.Document
	synced      document.Document
	status      Status
	inflight    *Flight
	edits       uint64
	confirms    uint64
	subscribers map[chan Status]struct{}
	closed      bool
}

func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[syncmgr] ", log.LstdFlags)
	}
	c := opts.Cache
	if c == nil {
		c = cache.NewMemoryCache()
	}
	delay := opts.DevDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Manager{
		remote:      opts.Remote,
		cache:       c,
		devMode:     opts.DevMode,
		devDelay:    delay,
		rollback:    opts.Rollback,
		logger:      logger,
		baseCtx:     baseCtx,
		stop:        stop,
		status:      Status{State: StateIdle, UpdatedAt: time.Now()},
		subscribers: make(map[chan Status]struct{}),
	}
}

// Document returns a copy of the current document. Before the first Load it
// falls back to the built-in default so consumers always have something.
func (m *Manager) Document() document.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc.IsEmpty() {
		return document.Default()
	}
	return m.doc.Clone()
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Load reads the document from the content host. On any failure it serves the
// cached document, or the built-in default when the cache is empty, and
// reports Degraded. It always resolves to a usable document.
//
// A local edit that is still being written, or was written while the fetch
// was in progress, is newer than the fetched copy and is kept.
func (m *Manager) Load(ctx context.Context) Status {
	m.mu.Lock()
	startEdits, startConfirms := m.edits, m.confirms
	m.setStatusLocked(StateLoading, m.status.LastError)
	m.mu.Unlock()

	var (
		doc     document.Document
		version document.Version
		err     = errNoRemote
	)
	if m.remote != nil {
		doc, version, err = m.remote.Fetch(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil && doc.IsEmpty() {
		err = &contents.Error{Kind: contents.KindSerialization, Op: "load", Message: "content host returned an empty document"}
	}
	if err == nil {
		confirmed := m.confirms != startConfirms
		if !confirmed {
			m.synced = doc.Clone()
			m.status.LastSyncedVersion = version
		}
		if confirmed || m.edits != startEdits || m.inflight != nil {
			m.logger.Printf("load: keeping newer local edit (remote version %s)", version)
			m.setStatusLocked(m.postLoadState(), nil)
			return m.status
		}
		m.doc = doc.Clone()
		m.writeCacheLocked(ctx, m.doc)
		m.setStatusLocked(StateReady, nil)
		return m.status
	}

	if !errors.Is(err, errNoRemote) {
		m.logger.Printf("load: content host unavailable, serving local copy: %v", err)
	}
	if m.edits == startEdits && m.inflight == nil {
		cached, ok, cacheErr := m.cache.Get(ctx)
		switch {
		case cacheErr != nil:
			m.logger.Printf("load: read cache: %v", cacheErr)
		case ok && !cached.IsEmpty():
			m.doc = cached
		}
		if m.doc.IsEmpty() {
			m.doc = document.Default()
		}
	}
	if errors.Is(err, errNoRemote) {
		m.setStatusLocked(StateReady, nil)
	} else {
		m.setStatusLocked(StateDegraded, err)
	}
	return m.status
}

var errNoRemote = errors.New("no remote configured")

func (m *Manager) postLoadState() State {
	if m.inflight != nil {
		return StateSaving
	}
	return StateReady
}

// ExpectVersion sets the version the next write is guarded by, for callers
// that carry it over from an earlier session instead of calling Load.
func (m *Manager) ExpectVersion(version document.Version) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.LastSyncedVersion = version
}

// Save applies doc locally at once, so Document returns it before any
// network round trip, and schedules the durable write. The returned Flight
// settles when the write does.
func (m *Manager) Save(ctx context.Context, doc document.Document) (*Flight, error) {
	parsed, err := document.Parse(doc)
	if err != nil {
		return nil, &contents.Error{Kind: contents.KindSerialization, Op: "save", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("sync manager closed")
	}

	m.edits++
	m.doc = parsed
	m.writeCacheLocked(ctx, parsed)

	prev := m.inflight
	if prev != nil && document.Equal(prev.doc, parsed) {
		return prev, nil
	}
	if prev != nil {
		prev.supersede()
	}

	flightCtx, cancel := context.WithCancel(m.baseCtx)
	flight := newFlight(flightCtx, cancel, parsed)
	m.inflight = flight
	m.setStatusLocked(StateSaving, nil)

	m.wg.Add(1)
	go m.run(flight, prev)
	return flight, nil
}

func (m *Manager) run(f *Flight, prev *Flight) {
	defer m.wg.Done()
	if prev != nil {
		<-prev.done
	}
	if f.ctx.Err() != nil {
		m.finish(f, contents.PublishResult{}, f.ctx.Err())
		return
	}

	if m.devMode || m.remote == nil {
		timer := time.NewTimer(m.devDelay)
		defer timer.Stop()
		select {
		case <-f.ctx.Done():
			m.finish(f, contents.PublishResult{}, f.ctx.Err())
		case <-timer.C:
			m.finish(f, contents.PublishResult{}, nil)
		}
		return
	}

	m.mu.Lock()
	expected := m.status.LastSyncedVersion
	m.mu.Unlock()

	result, err := m.remote.Publish(f.ctx, f.doc, expected)
	m.finish(f, result, err)
}

func (m *Manager) finish(f *Flight, result contents.PublishResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	local := m.devMode || m.remote == nil
	if err == nil && !local {
		// A confirmed write advances the version even when a newer save
		// has since replaced this one.
		m.status.LastSyncedVersion = result.Version
		m.synced = f.doc.Clone()
		m.confirms++
	}

	current := m.inflight == f
	outcome := Result{Version: result.Version, Commit: result.Commit, Message: result.Message, Local: local}
	if !current {
		outcome.Superseded = true
		if err != nil && f.ctx.Err() != nil {
			err = ErrSuperseded
		}
	}

	if current {
		m.inflight = nil
		switch {
		case err == nil:
			m.setStatusLocked(StateReady, nil)
		default:
			m.logger.Printf("save failed (%s): %v", contents.KindOf(err), err)
			if m.rollback == RevertToSynced && m.synced != nil {
				m.doc = m.synced.Clone()
				m.writeCacheLocked(m.baseCtx, m.doc)
			}
			m.setStatusLocked(StateError, err)
		}
	}
	f.settle(outcome, err)
}

// Subscribe returns a channel receiving every status change and a function
// that stops the subscription. Slow subscribers miss intermediate updates.
func (m *Manager) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 16)
	m.mu.Lock()
	if m.closed {
		close(ch)
		m.mu.Unlock()
		return ch, func() {}
	}
	m.subscribers[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subscribers[ch]; ok {
				delete(m.subscribers, ch)
				close(ch)
			}
		})
	}
}

// Close cancels any write in progress and waits for it to settle.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.stop()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subscribers {
		delete(m.subscribers, ch)
		close(ch)
	}
}

func (m *Manager) setStatusLocked(state State, err error) {
	m.status.State = state
	m.status.LastError = err
	m.status.UpdatedAt = time.Now()
	snapshot := m.status
	for ch := range m.subscribers {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func (m *Manager) writeCacheLocked(ctx context.Context, doc document.Document) {
	if err := m.cache.Set(context.WithoutCancel(ctx), doc); err != nil {
		m.logger.Printf("write cache: %v", err)
	}
}
