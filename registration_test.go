package offlinecache

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/spdeepak/offlinecache/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type registrationFixture struct {
	storage cache.Storage
	network *fakeNetwork
	reg     *Registration
}

func newRegistrationFixture(t *testing.T) *registrationFixture {
	t.Helper()
	f := &registrationFixture{
		storage: cache.NewMemoryStorage(0),
		network: newFakeNetwork(),
	}
	f.reg = NewRegistration("/service-worker.js", f.network, discardLogger())
	t.Cleanup(func() { _ = f.reg.Close() })
	return f
}

func (f *registrationFixture) worker(t *testing.T, version string, skipWaiting bool) *Manager {
	t.Helper()
	cfg := testConfig(version)
	cfg.SkipWaiting = skipWaiting
	m, err := NewManager(f.storage, f.network, cfg)
	require.NoError(t, err)
	return m
}

func TestRegistration_FirstWorkerActivatesImmediately(t *testing.T) {
	f := newRegistrationFixture(t)
	v1 := f.worker(t, "v1", false)

	require.NoError(t, f.reg.Register(context.Background(), v1))
	assert.Same(t, v1, f.reg.Active())
	assert.Nil(t, f.reg.Waiting())
	assert.Equal(t, StateActive, v1.State())
}

func TestRegistration_NewVersionWaitsForOpenClients(t *testing.T) {
	ctx := context.Background()
	f := newRegistrationFixture(t)
	v1 := f.worker(t, "v1", false)
	require.NoError(t, f.reg.Register(ctx, v1))
	f.reg.OpenClient("tab-1")
	f.reg.OpenClient("tab-2")

	v2 := f.worker(t, "v2", false)
	require.NoError(t, f.reg.Update(ctx, v2))
	assert.Same(t, v1, f.reg.Active())
	assert.Same(t, v2, f.reg.Waiting())
	assert.Equal(t, StateInstalled, v2.State())

	// Both generations coexist until the old one lets go.
	names, err := f.storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, names)

	assert.True(t, f.reg.CloseClient(ctx, "tab-1"))
	assert.Same(t, v1, f.reg.Active())

	assert.True(t, f.reg.CloseClient(ctx, "tab-2"))
	assert.Same(t, v2, f.reg.Active())
	assert.Nil(t, f.reg.Waiting())
	assert.Equal(t, StateRedundant, v1.State())

	names, err = f.storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, names)

	assert.False(t, f.reg.CloseClient(ctx, "tab-2"))
}

func TestRegistration_SkipWaitingPromotesWaitingWorker(t *testing.T) {
	ctx := context.Background()
	f := newRegistrationFixture(t)
	v1 := f.worker(t, "v1", false)
	require.NoError(t, f.reg.Register(ctx, v1))
	f.reg.OpenClient("tab-1")

	v2 := f.worker(t, "v2", false)
	require.NoError(t, f.reg.Update(ctx, v2))
	require.Same(t, v2, f.reg.Waiting())

	require.NoError(t, f.reg.SkipWaiting(ctx))
	assert.Same(t, v2, f.reg.Active())
	assert.Equal(t, StateRedundant, v1.State())

	controller, ok := f.reg.Clients().Controller("tab-1")
	require.True(t, ok)
	assert.Same(t, v2, controller, "the new worker claims open pages")

	assert.ErrorIs(t, f.reg.SkipWaiting(ctx), ErrNoWaitingWorker)
}

func TestRegistration_SkipWaitingConfigActivatesOverOpenClients(t *testing.T) {
	ctx := context.Background()
	f := newRegistrationFixture(t)
	require.NoError(t, f.reg.Register(ctx, f.worker(t, "v1", true)))
	f.reg.OpenClient("tab-1")

	v2 := f.worker(t, "v2", true)
	require.NoError(t, f.reg.Update(ctx, v2))
	assert.Same(t, v2, f.reg.Active())
}

func TestRegistration_FailedInstallKeepsActiveWorker(t *testing.T) {
	ctx := context.Background()
	f := newRegistrationFixture(t)
	v1 := f.worker(t, "v1", true)
	require.NoError(t, f.reg.Register(ctx, v1))

	cfg := testConfig("v2")
	cfg.InstallPolicy = InstallEager
	v2, err := NewManager(f.storage, f.network, cfg)
	require.NoError(t, err)
	f.network.set("/static/manifest.json", http.StatusNotFound, "gone")

	var fetchErr *InstallAssetFetchError
	require.ErrorAs(t, f.reg.Register(ctx, v2), &fetchErr)
	assert.Same(t, v1, f.reg.Active())
	assert.Nil(t, f.reg.Installing())
	assert.Equal(t, StateRedundant, v2.State())

	has, err := f.storage.Has(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestRegistration_SameVersionIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newRegistrationFixture(t)
	v1 := f.worker(t, "v1", true)
	require.NoError(t, f.reg.Register(ctx, v1))

	again := f.worker(t, "v1", true)
	require.NoError(t, f.reg.Update(ctx, again))
	assert.Same(t, v1, f.reg.Active())
	assert.Equal(t, StateUninstalled, again.State())
}

func TestRegistration_ConcurrentUpdatesCoalesce(t *testing.T) {
	ctx := context.Background()
	f := newRegistrationFixture(t)
	require.NoError(t, f.reg.Register(ctx, f.worker(t, "v1", true)))

	v2 := f.worker(t, "v2", true)
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.reg.Update(ctx, v2)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Same(t, v2, f.reg.Active())
}

func TestRegistration_FetchRoutesByController(t *testing.T) {
	ctx := context.Background()
	f := newRegistrationFixture(t)

	// Without an active worker the page talks to the network directly.
	f.network.setOffline(true)
	_, err := f.reg.Fetch(get(t, "/"))
	assert.ErrorIs(t, err, errOffline)
	f.network.setOffline(false)

	require.NoError(t, f.reg.Register(ctx, f.worker(t, "v1", true)))

	req := get(t, "/")
	req.Header.Set(ClientIDHeader, "tab-1")
	f.reg.OpenClient("tab-1")
	f.network.setOffline(true)

	resp, err := f.reg.Fetch(req)
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get(CacheStatusHeader))
	assert.Equal(t, "<html>shell</html>", readBody(t, resp))
}

func TestRegistration_Status(t *testing.T) {
	ctx := context.Background()
	f := newRegistrationFixture(t)
	v1 := f.worker(t, "v1", false)
	require.NoError(t, f.reg.Register(ctx, v1))
	f.reg.OpenClient("tab-1")
	require.NoError(t, f.reg.Update(ctx, f.worker(t, "v2", false)))

	status := f.reg.Status()
	assert.Equal(t, "/service-worker.js", status.ScriptURL)
	assert.Equal(t, 1, status.Clients)
	require.NotNil(t, status.Active)
	assert.Equal(t, "v1", status.Active.Version)
	assert.Equal(t, "active", status.Active.State)
	assert.Equal(t, 1, status.Active.Clients)
	assert.Equal(t, v1.ID(), status.Active.ID)
	require.NotNil(t, status.Waiting)
	assert.Equal(t, "v2", status.Waiting.Version)
	assert.Equal(t, "installed", status.Waiting.State)
	assert.Nil(t, status.Installing)
}

func TestClients(t *testing.T) {
	f := newRegistrationFixture(t)
	m := f.worker(t, "v1", true)

	clients := NewClients()
	clients.Open("a", nil)
	clients.Open("b", nil)
	clients.Open("a", m)

	controller, ok := clients.Controller("a")
	require.True(t, ok)
	assert.Nil(t, controller, "reopening keeps the original controller")
	assert.Equal(t, 2, clients.Claim(m))
	assert.Equal(t, 0, clients.Claim(m))
	assert.Equal(t, 2, clients.ControlledBy(m))
	assert.Len(t, clients.IDs(), 2)

	assert.True(t, clients.Close("a"))
	assert.False(t, clients.Close("a"))
	assert.Equal(t, 1, clients.Count())
	_, ok = clients.Controller("a")
	assert.False(t, ok)
}
