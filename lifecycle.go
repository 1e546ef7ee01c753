package offlinecache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/spdeepak/offlinecache/cache"
	"golang.org/x/sync/errgroup"
)

// State is a worker's position in its lifecycle.
type State int

const (
	StateUninstalled State = iota
	StateInstalling
	// StateInstalled is the waiting state: installed, not yet controlling pages.
	StateInstalled
	StateActivating
	StateActive
	// StateRedundant workers failed to install or were replaced by a newer version.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SkipWaitingRequested reports whether the worker asked to skip the waiting state.
func (m *Manager) SkipWaitingRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.skipWaiting
}

func (m *Manager) transition(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != from {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidState, from, to, m.state)
	}
	m.setStateLocked(to)
	return nil
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(to)
}

func (m *Manager) setStateLocked(to State) {
	from := m.state
	m.state = to
	m.cfg.Metrics.SetState(m.cfg.Version, from.String(), to.String())
}

// Install opens the bucket named by the version and populates it with the bootstrap
// assets according to the install policy. Under the eager policy a failed asset fails
// the whole install, nothing is written and the worker becomes redundant.
func (m *Manager) Install(ctx context.Context) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := m.transition(StateUninstalled, StateInstalling); err != nil {
		return err
	}
	policy := m.cfg.InstallPolicy
	m.log.Info("Installing worker", slog.String("policy", string(policy)))

	existed, err := m.storage.Has(ctx, m.cfg.Version)
	if err != nil {
		return m.failInstall(ctx, true, fmt.Errorf("install: check bucket: %w", err))
	}
	bucket, err := m.storage.Open(ctx, m.cfg.Version)
	if err != nil {
		return m.failInstall(ctx, existed, fmt.Errorf("install: open bucket: %w", err))
	}

	switch policy {
	case InstallEager:
		if err := m.installEager(ctx, bucket); err != nil {
			return m.failInstall(ctx, existed, err)
		}
	case InstallMinimal:
		m.installMinimal(ctx, bucket)
	}

	m.mu.Lock()
	m.bucket = bucket
	if m.cfg.SkipWaiting {
		m.skipWaiting = true
	}
	m.setStateLocked(StateInstalled)
	m.mu.Unlock()

	m.cfg.Metrics.ObserveInstall(string(policy), true)
	m.log.Info("Worker installed", slog.String("bucket", bucket.Name()))
	return nil
}

// failInstall removes a bucket this install created and marks the worker redundant.
func (m *Manager) failInstall(ctx context.Context, existed bool, err error) error {
	if !existed {
		if _, derr := m.storage.Delete(context.WithoutCancel(ctx), m.cfg.Version); derr != nil {
			m.log.Warn("Failed to remove bucket of failed install",
				slog.Any("error", &CacheDeleteError{Bucket: m.cfg.Version, Err: derr}))
		}
	}
	m.setState(StateRedundant)
	m.cfg.Metrics.ObserveInstall(string(m.cfg.InstallPolicy), false)
	m.log.Error("Worker install failed", slog.Any("error", err))
	return err
}

// installEager fetches all assets concurrently and writes them in one atomic batch,
// so a failure or cancellation leaves the bucket untouched.
func (m *Manager) installEager(ctx context.Context, bucket cache.Bucket) error {
	entries := make([]cache.KeyedEntry, len(m.cfg.Assets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.InstallConcurrency)
	for i, asset := range m.cfg.Assets {
		g.Go(func() error {
			entry, err := m.fetchAsset(gctx, asset)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := bucket.PutAll(ctx, entries); err != nil {
		return fmt.Errorf("install: %w", &CacheWriteError{Bucket: bucket.Name(), Key: "*", Err: err})
	}
	return nil
}

// installMinimal stores only the app shell. Errors are logged and swallowed.
func (m *Manager) installMinimal(ctx context.Context, bucket cache.Bucket) {
	entry, err := m.fetchAsset(ctx, m.cfg.ShellPath)
	if err != nil {
		m.log.Warn("Cache installation failed, continuing", slog.Any("error", err))
		return
	}
	if err := bucket.Put(ctx, entry.Key, entry.Entry); err != nil {
		m.cfg.Metrics.ObserveCacheWriteError()
		m.log.Warn("Cache installation failed, continuing",
			slog.Any("error", &CacheWriteError{Bucket: bucket.Name(), Key: entry.Key, Err: err}))
	}
}

func (m *Manager) fetchAsset(ctx context.Context, asset string) (cache.KeyedEntry, error) {
	ref, err := url.Parse(asset)
	if err != nil {
		return cache.KeyedEntry{}, &InstallAssetFetchError{URL: asset, Err: err}
	}
	target := m.origin.ResolveReference(ref).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return cache.KeyedEntry{}, &InstallAssetFetchError{URL: target, Err: err}
	}
	resp, err := m.fetchNetwork(req)
	if err != nil {
		return cache.KeyedEntry{}, &InstallAssetFetchError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return cache.KeyedEntry{}, &InstallAssetFetchError{URL: target, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cache.KeyedEntry{}, &InstallAssetFetchError{URL: target, Err: err}
	}
	return cache.KeyedEntry{
		Key:   m.cfg.KeyGenerator(req),
		Entry: m.newEntry(req, resp, body),
	}, nil
}

// Activate deletes every bucket not named by this version and claims the open clients,
// concurrently. It never fails once the worker is installed: deletion errors are logged
// and do not block other deletions or the claim. It returns the names it deleted.
func (m *Manager) Activate(ctx context.Context, clients *Clients) ([]string, error) {
	if err := m.transition(StateInstalled, StateActivating); err != nil {
		return nil, err
	}
	m.log.Info("Activating worker")

	var deleted []string
	var g errgroup.Group
	g.Go(func() error {
		deleted = m.deleteStaleBuckets(ctx)
		return nil
	})
	g.Go(func() error {
		if clients != nil {
			claimed := clients.Claim(m)
			m.log.Info("Claimed clients", slog.Int("count", claimed))
		}
		return nil
	})
	_ = g.Wait()

	m.setState(StateActive)
	m.log.Info("Worker active", slog.Any("deleted_buckets", deleted))
	return deleted, nil
}

func (m *Manager) deleteStaleBuckets(ctx context.Context) []string {
	names, err := m.storage.Names(ctx)
	if err != nil {
		m.log.Warn("Failed to enumerate buckets", slog.Any("error", err))
		return nil
	}

	var deleted []string
	for _, name := range names {
		if name == m.cfg.Version {
			continue
		}
		m.log.Info("Deleting old cache", slog.String("bucket", name))
		ok, err := m.storage.Delete(ctx, name)
		if err != nil {
			m.log.Warn("Failed to delete old cache",
				slog.Any("error", &CacheDeleteError{Bucket: name, Err: err}))
			continue
		}
		if ok {
			m.cfg.Metrics.ObserveBucketDeleted()
			deleted = append(deleted, name)
		}
	}
	return deleted
}

// retire marks a replaced worker redundant and drains its writes.
func (m *Manager) retire() {
	m.setState(StateRedundant)
	_ = m.Close()
}
