package privaxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
)

// Sentinel errors returned by configuration mutations.
var (
	// ErrFilterExists is returned when adding a filter whose source URL is
	// already subscribed.
	ErrFilterExists = errors.New("filter already present")

	// ErrFilterNotFound is returned when the source URL identifies no
	// subscribed filter.
	ErrFilterNotFound = errors.New("filter not found")

	// ErrInvalidFilter is returned when a filter mutation carries an
	// invalid title, group, or source URL.
	ErrInvalidFilter = errors.New("invalid filter")
)

// UpstreamFetchError reports that filter content could not be fetched or
// validated from its source URL. The configuration is left unchanged.
type UpstreamFetchError struct {
	URL string
	Err error
}

func (e *UpstreamFetchError) Error() string {
	return fmt.Sprintf("fetch filter %s: %v", e.URL, e.Err)
}

func (e *UpstreamFetchError) Unwrap() error { return e.Err }

// PersistenceError reports that the configuration could not be durably
// written. The in-memory configuration has been rolled back to the last
// persisted state and the engine was not notified.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist configuration: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// maxFilterContentSize caps how much filter content is read when validating
// a new subscription.
const maxFilterContentSize = 64 << 20 // 64 MiB

// ConfigurationManager owns the proxy Configuration and serializes every
// mutation behind a single save lock. A mutation runs the full sequence
// while holding the lock: validate, mutate the in-memory configuration,
// persist it, then hand a copy to the proxy engine. If persistence fails
// the in-memory state is restored and the engine is not notified, so the
// engine only ever sees durably saved configurations.
type ConfigurationManager struct {
	mu   sync.Mutex // the save lock
	cfg  Configuration
	path string

	// current is the last committed configuration, published for readers so
	// a Snapshot never waits behind a mutation's network or disk I/O.
	current atomic.Pointer[Configuration]

	exclusions *ExclusionStore
	httpClient *http.Client
	updates    chan Configuration
	logger     *slog.Logger
	metrics    *Metrics
}

// NewConfigurationManager loads the configuration persisted at path, or
// creates and persists the default configuration when the file does not
// exist yet. The given client is used to fetch filter content at add time;
// nil means http.DefaultClient.
func NewConfigurationManager(path string, client *http.Client) (*ConfigurationManager, error) {
	cfg, err := ReadConfiguration(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = DefaultConfiguration()
		if err := WriteConfiguration(path, cfg); err != nil {
			return nil, err
		}
	}

	if client == nil {
		client = http.DefaultClient
	}

	m := &ConfigurationManager{
		cfg:        cfg,
		path:       path,
		exclusions: NewExclusionStore(cfg.Exclusions),
		httpClient: client,
		updates:    make(chan Configuration, 1),
		logger:     slog.Default(),
	}
	m.publishLocked()
	return m, nil
}

// SetLogger replaces the manager's logger (slog.Default otherwise).
func (m *ConfigurationManager) SetLogger(logger *slog.Logger) {
	m.logger = logger
}

// SetMetrics attaches control-plane metrics. Optional.
func (m *ConfigurationManager) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
}

// Exclusions returns the shared exclusion store, seeded from the persisted
// configuration and kept in sync by SetExclusions.
func (m *ConfigurationManager) Exclusions() *ExclusionStore {
	return m.exclusions
}

// Updates returns the engine notification channel. It has capacity one
// with last-write-wins semantics: if the engine has not consumed the
// previous update, it is overwritten by the next one. The engine only
// cares about the latest configuration.
func (m *ConfigurationManager) Updates() <-chan Configuration {
	return m.updates
}

// Snapshot returns a deep copy of the current configuration. A snapshot
// taken after a mutation's response has been returned observes that
// mutation's effects. It never blocks behind an in-flight mutation: it
// reads the last committed state, not the one being modified.
func (m *ConfigurationManager) Snapshot() Configuration {
	return m.current.Load().Clone()
}

// AddFilter subscribes a new filter list. The filter content is fetched
// from sourceURL and validated before anything is committed; on any
// failure the configuration is unchanged. Returns ErrFilterExists when the
// source URL is already subscribed.
func (m *ConfigurationManager) AddFilter(ctx context.Context, title string, group FilterGroup, sourceURL string) error {
	if title == "" {
		return fmt.Errorf("%w: title must not be empty", ErrInvalidFilter)
	}
	if !group.Valid() {
		return fmt.Errorf("%w: unknown group %q", ErrInvalidFilter, group)
	}
	parsed, err := url.Parse(sourceURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%w: source URL %q", ErrInvalidFilter, sourceURL)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range m.cfg.Filters {
		if f.URL == sourceURL {
			return fmt.Errorf("%w: %s", ErrFilterExists, sourceURL)
		}
	}

	// Fetch before committing so a dead source never lands in the
	// configuration. The lock is intentionally held across the fetch:
	// mutations are serialized end to end.
	if err := m.fetchFilterContent(ctx, sourceURL); err != nil {
		if m.metrics != nil {
			m.metrics.RecordFilterFetchError()
		}
		return &UpstreamFetchError{URL: sourceURL, Err: err}
	}

	return m.commit(func(cfg *Configuration) {
		cfg.Filters = append(cfg.Filters, Filter{
			Enabled: true,
			Title:   title,
			Group:   group,
			URL:     sourceURL,
		})
	})
}

// DeleteFilter removes the filter identified by its source URL. Returns
// ErrFilterNotFound when no filter matches.
func (m *ConfigurationManager) DeleteFilter(sourceURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, f := range m.cfg.Filters {
		if f.URL == sourceURL {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("%w: %s", ErrFilterNotFound, sourceURL)
	}

	return m.commit(func(cfg *Configuration) {
		cfg.Filters = append(cfg.Filters[:idx], cfg.Filters[idx+1:]...)
	})
}

// SetFilterEnabled replaces the enabled flag of the filter identified by
// its source URL. Returns ErrFilterNotFound when no filter matches.
func (m *ConfigurationManager) SetFilterEnabled(sourceURL string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, f := range m.cfg.Filters {
		if f.URL == sourceURL {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("%w: %s", ErrFilterNotFound, sourceURL)
	}

	return m.commit(func(cfg *Configuration) {
		cfg.Filters[idx].Enabled = enabled
	})
}

// SetCustomFilters replaces the custom filter text wholesale.
func (m *ConfigurationManager) SetCustomFilters(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.commit(func(cfg *Configuration) {
		cfg.CustomFilters = text
	})
}

// SetExclusions replaces the exclusion set wholesale, updates the shared
// exclusion store, and persists. The store is updated only after the new
// set is durably saved.
func (m *ConfigurationManager) SetExclusions(entries []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.commit(func(cfg *Configuration) {
		cfg.Exclusions = make([]string, len(entries))
		copy(cfg.Exclusions, entries)
	})
	if err != nil {
		return err
	}

	m.exclusions.Replace(entries)
	return nil
}

// Reload replaces the in-memory configuration with one re-read from disk,
// refreshes the exclusion store, and notifies the engine. Used when the
// persisted file was edited externally (SIGHUP, file watcher). The file is
// read under the save lock, so a mutation committing concurrently is never
// overwritten with stale file contents. Saves made through the pipeline
// trip the file watcher too; a re-read matching the committed state is
// skipped and reported as unchanged. Reload does not write.
func (m *ConfigurationManager) Reload() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := ReadConfiguration(m.path)
	if err != nil {
		return false, err
	}
	if cfg.Equal(m.cfg) {
		return false, nil
	}

	m.cfg = cfg
	m.exclusions.Replace(cfg.Exclusions)
	m.publishLocked()
	m.notifyLocked()

	m.logger.Info("configuration reloaded from disk", "filters", len(cfg.Filters))
	return true, nil
}

// commit applies mutate to the in-memory configuration, persists it, and
// notifies the engine. Caller must hold the save lock. On persistence
// failure the pre-mutation snapshot is restored and a *PersistenceError
// returned; the engine is not notified.
func (m *ConfigurationManager) commit(mutate func(cfg *Configuration)) error {
	previous := m.cfg.Clone()

	mutate(&m.cfg)

	if err := WriteConfiguration(m.path, m.cfg); err != nil {
		m.cfg = previous
		if m.metrics != nil {
			m.metrics.RecordConfigurationSaveError()
		}
		m.logger.Error("configuration save failed, rolled back", "error", err)
		return &PersistenceError{Err: err}
	}

	if m.metrics != nil {
		m.metrics.RecordConfigurationSave()
	}
	m.publishLocked()
	m.notifyLocked()
	return nil
}

// publishLocked exposes the current configuration to lock-free readers.
// Caller must hold the save lock.
func (m *ConfigurationManager) publishLocked() {
	snapshot := m.cfg.Clone()
	m.current.Store(&snapshot)
}

// notifyLocked hands a copy of the current configuration to the engine
// channel, overwriting an unconsumed pending update. Caller must hold the
// save lock, which makes this the only writer to the channel.
func (m *ConfigurationManager) notifyLocked() {
	next := m.cfg.Clone()
	for {
		select {
		case m.updates <- next:
			return
		default:
		}
		// Channel full: discard the stale pending update and retry.
		select {
		case <-m.updates:
		default:
		}
	}
}

// fetchFilterContent downloads the filter list at sourceURL and checks it
// looks like filter content: HTTP 200 and a non-empty body.
func (m *ConfigurationManager) fetchFilterContent(ctx context.Context, sourceURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch content: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFilterContentSize))
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return fmt.Errorf("empty filter content")
	}

	return nil
}
