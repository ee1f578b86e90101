package bundle_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testnet/internal/bundle"
	"testnet/internal/sandbox"
	"testnet/internal/sandbox/sandboxtest"
)

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return nil
}

func setup(t *testing.T) (*sandboxtest.Fake, string, *bundle.Builder, *recordedSleeps) {
	t.Helper()
	rt := sandboxtest.New()
	id, err := rt.Run(context.Background(), sandbox.RunSpec{Image: "i2pd", Network: "i2pdtestnet"})
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	sleeps := &recordedSleeps{}
	b := &bundle.Builder{
		Runtime: rt,
		Path:    filepath.Join(t.TempDir(), "seed.zip"),
		Retry:   bundle.Retry{Attempts: 4, Initial: 100 * time.Millisecond, Max: 250 * time.Millisecond},
		Sleep:   sleeps.sleep,
		Log:     logger,
	}
	return rt, id, b, sleeps
}

func TestBuild_RoundTrip(t *testing.T) {
	t.Parallel()

	rt, id, b, sleeps := setup(t)
	descriptor := sandboxtest.Descriptor("\x00\x01router-identity-bytes\xff")
	rt.WriteFile(id, bundle.DefaultDescriptorPath, descriptor)

	info, err := b.Build(context.Background(), id, "8fddbcbb1001")
	require.NoError(t, err)
	assert.Equal(t, b.Path, info.Path)
	assert.Equal(t, "routerInfo-8fddbcbb1001.dat", info.Entry)
	assert.Equal(t, len(descriptor), info.Size)
	assert.Equal(t, bundle.Digest(descriptor), info.Digest)
	assert.Len(t, info.Digest, 64)
	assert.Equal(t, 2, rt.Reads[bundle.DefaultDescriptorPath])
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, sleeps.delays)

	name, data, err := bundle.ReadDescriptor(b.Path)
	require.NoError(t, err)
	assert.Equal(t, info.Entry, name)
	assert.Equal(t, descriptor, data)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(b.Path), ".seed.zip.*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temp files left behind")
}

func TestBuild_RetriesUntilDescriptorAppears(t *testing.T) {
	t.Parallel()

	rt, id, b, sleeps := setup(t)
	reads := 0
	rt.OnReadFile = func(cid, path string) error {
		reads++
		if reads == 3 {
			rt.WriteFile(cid, path, sandboxtest.Descriptor("ri"))
		}
		return nil
	}

	_, err := b.Build(context.Background(), id, "boot")
	require.NoError(t, err)
	assert.Equal(t, 4, rt.Reads[bundle.DefaultDescriptorPath])
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}, sleeps.delays)
}

func TestBuild_TimeoutAfterBudget(t *testing.T) {
	t.Parallel()

	rt, id, b, sleeps := setup(t)

	_, err := b.Build(context.Background(), id, "boot")
	require.Error(t, err)
	assert.True(t, errors.Is(err, bundle.ErrBootstrapTimeout), "err=%v", err)
	assert.Equal(t, 4, rt.Reads[bundle.DefaultDescriptorPath])
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}, sleeps.delays)

	_, err = os.Stat(b.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestBuild_EmptyDescriptorIsCorrupt(t *testing.T) {
	t.Parallel()

	rt, id, b, _ := setup(t)
	rt.WriteFile(id, bundle.DefaultDescriptorPath, nil)

	_, err := b.Build(context.Background(), id, "boot")
	assert.True(t, errors.Is(err, bundle.ErrBootstrapCorrupt), "err=%v", err)
	assert.False(t, errors.Is(err, bundle.ErrBootstrapTimeout))
}

func TestBuild_TruncatedDescriptorIsCorrupt(t *testing.T) {
	t.Parallel()

	rt, id, b, _ := setup(t)
	rt.WriteFile(id, bundle.DefaultDescriptorPath, []byte("r"))

	_, err := b.Build(context.Background(), id, "boot")
	assert.True(t, errors.Is(err, bundle.ErrBootstrapCorrupt), "err=%v", err)
	assert.Equal(t, 4, rt.Reads[bundle.DefaultDescriptorPath])

	rt.WriteFile(id, bundle.DefaultDescriptorPath, make([]byte, bundle.MinDescriptorSize-1))
	_, err = b.Build(context.Background(), id, "boot")
	assert.True(t, errors.Is(err, bundle.ErrBootstrapCorrupt), "err=%v", err)

	_, err = os.Stat(b.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestBuild_WaitsForDescriptorToSettle(t *testing.T) {
	t.Parallel()

	rt, id, b, _ := setup(t)
	reads := 0
	rt.OnReadFile = func(cid, path string) error {
		reads++
		if reads == 1 {
			rt.WriteFile(cid, path, sandboxtest.Descriptor("partial"))
		} else {
			rt.WriteFile(cid, path, sandboxtest.Descriptor("final"))
		}
		return nil
	}

	_, err := b.Build(context.Background(), id, "boot")
	require.NoError(t, err)
	assert.Equal(t, 3, reads)

	_, data, err := bundle.ReadDescriptor(b.Path)
	require.NoError(t, err)
	assert.Equal(t, sandboxtest.Descriptor("final"), data)
}

func TestBuild_ChangingDescriptorIsCorrupt(t *testing.T) {
	t.Parallel()

	rt, id, b, _ := setup(t)
	reads := 0
	rt.OnReadFile = func(cid, path string) error {
		reads++
		rt.WriteFile(cid, path, sandboxtest.Descriptor(strconv.Itoa(reads)))
		return nil
	}

	_, err := b.Build(context.Background(), id, "boot")
	assert.True(t, errors.Is(err, bundle.ErrBootstrapCorrupt), "err=%v", err)
	assert.Equal(t, 4, reads)
}

func TestBuild_OtherReadErrorsAreFatal(t *testing.T) {
	t.Parallel()

	rt, id, b, sleeps := setup(t)
	boom := errors.New("permission denied")
	rt.OnReadFile = func(string, string) error { return boom }

	_, err := b.Build(context.Background(), id, "boot")
	assert.True(t, errors.Is(err, boom), "err=%v", err)
	assert.False(t, errors.Is(err, bundle.ErrBootstrapTimeout))
	assert.Empty(t, sleeps.delays)
}

func TestBuild_HonorsContext(t *testing.T) {
	t.Parallel()

	_, id, b, _ := setup(t)
	b.Sleep = nil
	b.Retry = bundle.Retry{Attempts: 100, Initial: time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Build(ctx, id, "boot")
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "err=%v", err)
}

func TestBuild_ReplacesPreviousBundle(t *testing.T) {
	t.Parallel()

	rt, id, b, _ := setup(t)
	rt.WriteFile(id, bundle.DefaultDescriptorPath, sandboxtest.Descriptor("first"))
	_, err := b.Build(context.Background(), id, "a")
	require.NoError(t, err)

	rt.WriteFile(id, bundle.DefaultDescriptorPath, sandboxtest.Descriptor("second"))
	_, err = b.Build(context.Background(), id, "b")
	require.NoError(t, err)

	name, data, err := bundle.ReadDescriptor(b.Path)
	require.NoError(t, err)
	assert.Equal(t, "routerInfo-b.dat", name)
	assert.Equal(t, sandboxtest.Descriptor("second"), data)
}

func TestBuild_LogsPublish(t *testing.T) {
	t.Parallel()

	rt, id, b, _ := setup(t)
	logger, hook := test.NewNullLogger()
	b.Log = logger
	rt.WriteFile(id, bundle.DefaultDescriptorPath, sandboxtest.Descriptor("ri"))

	_, err := b.Build(context.Background(), id, "boot")
	require.NoError(t, err)
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "bundle published", entry.Message)
	assert.Equal(t, "boot", entry.Data["node"])
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	r := bundle.Retry{Initial: time.Second, Max: 5 * time.Second}
	assert.Equal(t, time.Second, r.Delay(0))
	assert.Equal(t, 2*time.Second, r.Delay(1))
	assert.Equal(t, 4*time.Second, r.Delay(2))
	assert.Equal(t, 5*time.Second, r.Delay(3))
	assert.Equal(t, 5*time.Second, r.Delay(10))
}

func TestRemove_ToleratesMissing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seed.zip")
	require.NoError(t, bundle.Remove(path))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, bundle.Remove(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestReadDescriptor_RejectsNonZip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seed.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))
	_, _, err := bundle.ReadDescriptor(path)
	assert.Error(t, err)
}
