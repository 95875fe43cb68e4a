package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binhtrongg/python-sandbox/internal/apperror"
)

func TestFactoryCreateCachesInstance(t *testing.T) {
	reg := NewRegistry(testLogger())
	calls := 0
	reg.Register("docker", func() (Backend, error) {
		calls++
		return &fakeBackend{name: "docker", healthy: true}, nil
	})

	f := NewFactory(reg, "docker", nil, testLogger())

	first, err := f.Create("")
	require.NoError(t, err)
	second, err := f.Create("docker")
	require.NoError(t, err)

	assert.Same(t, first, second, "cache key is the provider name")
	assert.Equal(t, 1, calls)
}

func TestFactoryCreateConstructionFailureNamesProvider(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register("docker", constructorFor(nil, errors.New("no daemon")))

	f := NewFactory(reg, "docker", nil, testLogger())
	_, err := f.Create("docker")

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrExecution))
	assert.Contains(t, err.Error(), `"docker"`)
	assert.Contains(t, err.Error(), "no daemon")
}

func TestFactoryConcurrentFirstUseBuildsOneInstance(t *testing.T) {
	reg := NewRegistry(testLogger())
	calls := 0
	reg.Register("docker", func() (Backend, error) {
		calls++
		return &fakeBackend{name: "docker", healthy: true}, nil
	})
	f := NewFactory(reg, "docker", nil, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Create("docker")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
}

func TestGetHealthyPrimaryHealthy(t *testing.T) {
	reg := NewRegistry(testLogger())
	primary := &fakeBackend{name: "firecracker", healthy: true}
	reg.Register("firecracker", constructorFor(primary, nil))

	f := NewFactory(reg, "firecracker", []string{"docker"}, testLogger())
	got, err := f.GetHealthy(context.Background())

	require.NoError(t, err)
	assert.Same(t, Backend(primary), got)
}

func TestGetHealthyFallsBackOnUnhealthyPrimary(t *testing.T) {
	reg := NewRegistry(testLogger())
	primary := &fakeBackend{name: "firecracker", healthy: false}
	fallback := &fakeBackend{name: "docker", healthy: true}
	reg.Register("firecracker", constructorFor(primary, nil))
	reg.Register("docker", constructorFor(fallback, nil))

	f := NewFactory(reg, "firecracker", []string{"docker"}, testLogger())
	got, err := f.GetHealthy(context.Background())

	require.NoError(t, err)
	assert.Same(t, Backend(fallback), got)

	// The unhealthy primary instance stays cached for diagnostics but is
	// not selected.
	assert.Equal(t, []string{"docker", "firecracker"}, f.ActiveProviders())
}

func TestGetHealthySkipsPrimaryInFallbackList(t *testing.T) {
	reg := NewRegistry(testLogger())
	calls := 0
	reg.Register("docker", func() (Backend, error) {
		calls++
		return &fakeBackend{name: "docker", healthy: false}, nil
	})

	// Primary repeated in the fallback chain must not be tried twice.
	f := NewFactory(reg, "docker", []string{"docker"}, testLogger())
	_, err := f.GetHealthy(context.Background())

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestGetHealthySkipsUnregisteredFallback(t *testing.T) {
	reg := NewRegistry(testLogger())
	fallback := &fakeBackend{name: "docker", healthy: true}
	reg.Register("docker", constructorFor(fallback, nil))

	f := NewFactory(reg, "firecracker", []string{"gvisor", "docker"}, testLogger())
	got, err := f.GetHealthy(context.Background())

	require.NoError(t, err)
	assert.Same(t, Backend(fallback), got)
}

func TestGetHealthyExhaustedEnumeratesProviders(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register("firecracker", constructorFor(&fakeBackend{name: "firecracker", healthy: false}, nil))
	reg.Register("docker", constructorFor(nil, errors.New("no daemon")))

	f := NewFactory(reg, "firecracker", []string{"docker", "gvisor"}, testLogger())
	_, err := f.GetHealthy(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrInfrastructure))
	assert.Contains(t, err.Error(), "Tried: firecracker, docker, gvisor")
	assert.Contains(t, err.Error(), "Registered providers: docker, firecracker")
}

func TestGetHealthyDoesNotBlockCreate(t *testing.T) {
	reg := NewRegistry(testLogger())
	slow := &blockingHealthBackend{
		fakeBackend: fakeBackend{name: "firecracker", healthy: true},
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	reg.Register("firecracker", constructorFor(slow, nil))
	reg.Register("docker", constructorFor(&fakeBackend{name: "docker", healthy: true}, nil))

	f := NewFactory(reg, "firecracker", nil, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.GetHealthy(context.Background())
		assert.NoError(t, err)
	}()
	<-slow.entered

	// A health probe in flight must not hold the factory lock; resolving an
	// unrelated provider has to return immediately.
	created := make(chan error, 1)
	go func() {
		_, err := f.Create("docker")
		created <- err
	}()
	select {
	case err := <-created:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Create blocked behind an in-flight health check")
	}

	close(slow.release)
	<-done
}

func TestCleanupAllBestEffortAndIdempotent(t *testing.T) {
	reg := NewRegistry(testLogger())
	good := &fakeBackend{name: "docker", healthy: true}
	reg.Register("docker", constructorFor(good, nil))
	reg.Register("firecracker", constructorFor(&failingCleanupBackend{}, nil))

	f := NewFactory(reg, "docker", nil, testLogger())
	_, err := f.Create("docker")
	require.NoError(t, err)
	_, err = f.Create("firecracker")
	require.NoError(t, err)

	// One instance failing to clean up must not block the others.
	f.CleanupAll()
	assert.Equal(t, 1, good.cleaned)
	assert.Empty(t, f.ActiveProviders())

	// Empty cache is a no-op.
	f.CleanupAll()
	assert.Equal(t, 1, good.cleaned)
}

type failingCleanupBackend struct{ fakeBackend }

func (f *failingCleanupBackend) Cleanup() error { return errors.New("stuck") }

// blockingHealthBackend parks in HealthCheck until released, to expose lock
// scope bugs in the fallback chain.
type blockingHealthBackend struct {
	fakeBackend
	entered chan struct{}
	release chan struct{}
}

func (b *blockingHealthBackend) HealthCheck(_ context.Context) bool {
	close(b.entered)
	<-b.release
	return b.healthy
}
