package offlinecache

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registration owns the workers of one scope: the one installing, the one waiting to
// activate and the active one. It decides when a waiting worker may take over.
type Registration struct {
	scriptURL string
	network   Fetcher
	clients   *Clients
	log       *slog.Logger

	mu         sync.Mutex
	installing *Manager
	waiting    *Manager
	activating *Manager
	active     *Manager

	// serializes activations so versions take over one at a time
	activation sync.Mutex
	// coalesces concurrent updates to the same version
	updates singleflight.Group
}

// NewRegistration creates an empty registration for the worker served at scriptURL.
// network answers requests while no worker is active.
func NewRegistration(scriptURL string, network Fetcher, logger *slog.Logger) *Registration {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registration{
		scriptURL: scriptURL,
		network:   network,
		clients:   NewClients(),
		log:       logger.With(slog.String("scope", scriptURL)),
	}
}

func (r *Registration) ScriptURL() string {
	return r.scriptURL
}

func (r *Registration) Clients() *Clients {
	return r.clients
}

// Register installs m as the first (or next) worker and logs the outcome.
func (r *Registration) Register(ctx context.Context, m *Manager) error {
	if err := r.Update(ctx, m); err != nil {
		r.log.Error("Worker registration failed", slog.String("version", m.Version()), slog.Any("error", err))
		return err
	}
	r.log.Info("Worker registered", slog.String("version", m.Version()))
	return nil
}

// Update installs a new worker version. Once installed it activates immediately when
// nothing is active, when it asked to skip waiting or when the active worker controls
// no open page; otherwise it waits.
func (r *Registration) Update(ctx context.Context, m *Manager) error {
	_, err, shared := r.updates.Do(m.Version(), func() (interface{}, error) {
		return nil, r.update(ctx, m)
	})
	if shared {
		r.log.Debug("Coalesced concurrent update", slog.String("version", m.Version()))
	}
	return err
}

func (r *Registration) update(ctx context.Context, m *Manager) error {
	r.mu.Lock()
	for _, current := range []*Manager{r.active, r.activating, r.waiting} {
		if current != nil && current.Version() == m.Version() {
			r.mu.Unlock()
			r.log.Info("Worker version unchanged, skipping update", slog.String("version", m.Version()))
			return nil
		}
	}
	r.installing = m
	r.mu.Unlock()

	m.setSkipWaitingHook(r.promote)
	if err := m.Install(ctx); err != nil {
		r.mu.Lock()
		if r.installing == m {
			r.installing = nil
		}
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	if r.installing == m {
		r.installing = nil
	}
	replaced := r.waiting
	r.waiting = m
	r.mu.Unlock()

	if replaced != nil {
		replaced.retire()
	}
	r.tryActivate(ctx)
	return nil
}

// promote is the skip-wait hook installed on every worker of this registration.
func (r *Registration) promote(ctx context.Context, m *Manager) {
	r.mu.Lock()
	isWaiting := r.waiting == m
	r.mu.Unlock()

	if isWaiting {
		r.tryActivate(ctx)
	}
}

func (r *Registration) tryActivate(ctx context.Context) {
	r.activation.Lock()
	defer r.activation.Unlock()

	r.mu.Lock()
	next, prev := r.waiting, r.active
	if next == nil {
		r.mu.Unlock()
		return
	}
	if prev != nil && !next.SkipWaitingRequested() && r.clients.ControlledBy(prev) > 0 {
		r.mu.Unlock()
		r.log.Info("Worker waiting for open clients to close", slog.String("version", next.Version()))
		return
	}
	r.waiting = nil
	r.activating = next
	r.mu.Unlock()

	if _, err := next.Activate(ctx, r.clients); err != nil {
		r.log.Error("Worker activation failed", slog.String("version", next.Version()), slog.Any("error", err))
		r.mu.Lock()
		r.activating = nil
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	r.activating = nil
	r.active = next
	r.mu.Unlock()

	if prev != nil {
		prev.retire()
	}
}

// SkipWaiting delivers SKIP_WAITING to the waiting (or still installing) worker.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	r.mu.Lock()
	target := r.waiting
	if target == nil {
		target = r.installing
	}
	r.mu.Unlock()

	if target == nil {
		return ErrNoWaitingWorker
	}
	return target.Message(ctx, Message{Type: MessageSkipWaiting})
}

// OpenClient records a page; it is controlled by the active worker, if any.
func (r *Registration) OpenClient(id string) {
	r.clients.Open(id, r.Active())
}

// CloseClient forgets a page. Closing the last page of the old worker lets a waiting
// worker activate.
func (r *Registration) CloseClient(ctx context.Context, id string) bool {
	if !r.clients.Close(id) {
		return false
	}
	r.tryActivate(ctx)
	return true
}

func (r *Registration) Active() *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registration) Waiting() *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

func (r *Registration) Installing() *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installing
}

// Fetch routes a request through the worker controlling its page. Requests from
// uncontrolled pages, or while no worker is active, go straight to the network.
func (r *Registration) Fetch(req *http.Request) (*http.Response, error) {
	controller := r.Active()
	if id := req.Header.Get(ClientIDHeader); id != "" {
		if c, ok := r.clients.Controller(id); ok {
			controller = c
			if c != nil && c.State() == StateRedundant {
				controller = r.Active()
			}
		}
	}
	if controller == nil {
		return r.network.Fetch(req)
	}
	return controller.Fetch(req)
}

// RoundTrip implements http.RoundTripper.
func (r *Registration) RoundTrip(req *http.Request) (*http.Response, error) {
	return r.Fetch(req)
}

// Close drains every worker still owned by the registration.
func (r *Registration) Close() error {
	r.mu.Lock()
	workers := []*Manager{r.installing, r.waiting, r.activating, r.active}
	r.mu.Unlock()

	for _, m := range workers {
		if m != nil {
			_ = m.Close()
		}
	}
	return nil
}

// WorkerStatus describes one worker for status reporting.
type WorkerStatus struct {
	ID            string `json:"id"`
	Version       string `json:"version"`
	State         string `json:"state"`
	Strategy      string `json:"strategy"`
	InstallPolicy string `json:"install_policy"`
	SkipWaiting   bool   `json:"skip_waiting"`
	Clients       int    `json:"clients"`
}

// RegistrationStatus is a point-in-time snapshot of a registration.
type RegistrationStatus struct {
	ScriptURL  string        `json:"script_url"`
	Installing *WorkerStatus `json:"installing,omitempty"`
	Waiting    *WorkerStatus `json:"waiting,omitempty"`
	Activating *WorkerStatus `json:"activating,omitempty"`
	Active     *WorkerStatus `json:"active,omitempty"`
	Clients    int           `json:"clients"`
}

func (r *Registration) Status() RegistrationStatus {
	r.mu.Lock()
	installing, waiting, activating, active := r.installing, r.waiting, r.activating, r.active
	r.mu.Unlock()

	return RegistrationStatus{
		ScriptURL:  r.scriptURL,
		Installing: r.workerStatus(installing),
		Waiting:    r.workerStatus(waiting),
		Activating: r.workerStatus(activating),
		Active:     r.workerStatus(active),
		Clients:    r.clients.Count(),
	}
}

func (r *Registration) workerStatus(m *Manager) *WorkerStatus {
	if m == nil {
		return nil
	}
	return &WorkerStatus{
		ID:            m.ID(),
		Version:       m.Version(),
		State:         m.State().String(),
		Strategy:      m.strategy.Name(),
		InstallPolicy: string(m.cfg.InstallPolicy),
		SkipWaiting:   m.SkipWaitingRequested(),
		Clients:       r.clients.ControlledBy(m),
	}
}
