package server

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulhenri/PKVS/internal/archive"
	"github.com/paulhenri/PKVS/internal/client"
	"github.com/paulhenri/PKVS/internal/logging"
	"github.com/paulhenri/PKVS/internal/protocol"
	"github.com/paulhenri/PKVS/internal/storage"
)

// startServer runs a dispatcher and TCP server over a fresh log engine and
// returns the listen address.
func startServer(t *testing.T, dir string, opts Options, rc testRunConfig, storeOpts ...func(o *storage.Options)) string {
	t.Helper()

	eng, err := storage.Open(dir, append([]func(o *storage.Options){storage.WithLogger(logging.Discard())}, storeOpts...)...)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	rc.Listener = ln

	var dopts []DispatcherOption
	if rc.archiver != nil {
		dopts = append(dopts, WithArchiver(rc.archiver, rc.backups))
	}
	dopts = append(dopts, WithDispatcherLogger(logging.Discard()))
	d := NewDispatcher(eng, dopts...)

	opts.Logger = logging.Discard()
	s := New(d, opts)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Run(ctx, d, s, rc.RunConfig) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ln.Addr().String()
}

type testRunConfig struct {
	RunConfig
	archiver *archive.Archiver
	backups  *BackupQueue
}

func dial(t *testing.T, addr string) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), addr, client.WithTimeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerRoundTrip(t *testing.T) {
	addr := startServer(t, t.TempDir(), Options{}, testRunConfig{})
	c := dial(t, addr)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key1", "value1"))

	v, found, err := c.Get(ctx, "key1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value1", v)

	require.NoError(t, c.Remove(ctx, "key1"))
	_, found, err = c.Get(ctx, "key1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Remove(ctx, "never-set"))
}

func TestServerResponses(t *testing.T) {
	addr := startServer(t, t.TempDir(), Options{}, testRunConfig{})
	c := dial(t, addr)
	ctx := context.Background()

	tests := []struct {
		name string
		req  protocol.Message
		want protocol.Response
	}{
		{"set", protocol.Set{Key: "a", Value: "1"}, protocol.OK("ok")},
		{"get", protocol.Get{Key: "a"}, protocol.OK("1")},
		{"get missing", protocol.Get{Key: "b"}, protocol.Response{Status: protocol.StatusNotFound, Payload: "Key not found"}},
		{"get empty key", protocol.Get{Key: ""}, protocol.NotFound()},
		{"remove", protocol.Remove{Key: "a"}, protocol.OK("ok")},
		{"client response", protocol.OK("hi"), protocol.Errorf("unexpected message")},
		{"invalid utf8", protocol.Set{Key: "k", Value: "\xff"}, protocol.Response{Status: protocol.StatusError}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Do(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want.Status, got.Status)
			if tt.want.Payload != "" {
				assert.Equal(t, tt.want.Payload, got.Payload)
			}
		})
	}
}

func TestServerLargeValue(t *testing.T) {
	addr := startServer(t, t.TempDir(), Options{}, testRunConfig{})
	c := dial(t, addr)
	ctx := context.Background()

	// Far beyond the old fixed response buffer.
	big := strings.Repeat("x", 2<<20)
	require.NoError(t, c.Set(ctx, "big", big))

	v, found, err := c.Get(ctx, "big")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, big, v)
}

func TestServerConcurrentClients(t *testing.T) {
	addr := startServer(t, t.TempDir(), Options{}, testRunConfig{})
	ctx := context.Background()

	const clients = 8
	errc := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(i int) {
			c, err := client.Dial(ctx, addr)
			if err != nil {
				errc <- err
				return
			}
			defer c.Close()
			for j := 0; j < 50; j++ {
				key := string(rune('a'+i)) + strings.Repeat("k", j%5)
				if err := c.Set(ctx, key, "v"); err != nil {
					errc <- err
					return
				}
				if _, found, err := c.Get(ctx, key); err != nil || !found {
					errc <- errors.Join(err, errors.New("lost write for "+key))
					return
				}
			}
			errc <- nil
		}(i)
	}
	for i := 0; i < clients; i++ {
		require.NoError(t, <-errc)
	}
}

func TestServerDropsMalformedFrames(t *testing.T) {
	addr := startServer(t, t.TempDir(), Options{}, testRunConfig{})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.WriteFrame(conn, []byte{42, 0, 0, 0}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err, "connection should be closed")

	// The server keeps serving other clients.
	c := dial(t, addr)
	require.NoError(t, c.Set(context.Background(), "k", "v"))
}

func TestServerRateLimit(t *testing.T) {
	addr := startServer(t, t.TempDir(), Options{RateLimit: 20, RateBurst: 1}, testRunConfig{})
	c := dial(t, addr)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 6; i++ {
		require.NoError(t, c.Set(ctx, "k", "v"))
	}
	// One token up front, then one every 50ms.
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestServerPersistsOnShutdown(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	eng, err := storage.Open(dir, storage.WithLogger(logging.Discard()))
	require.NoError(t, err)
	d := NewDispatcher(eng, WithDispatcherLogger(logging.Discard()))
	s := New(d, Options{Logger: logging.Discard()})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() { errc <- Run(runCtx, d, s, RunConfig{Listener: ln}) }()

	c, err := client.Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "a", "1"))
	require.NoError(t, c.Set(ctx, "b", "2"))
	require.NoError(t, c.Remove(ctx, "a"))
	c.Close()

	cancel()
	require.NoError(t, <-errc)

	// Jobs after shutdown are refused.
	assert.ErrorIs(t, d.Do(ctx, func(storage.Engine) error { return nil }), ErrStopped)

	reopened, err := storage.Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	_, found, err := reopened.Get("a")
	require.NoError(t, err)
	assert.False(t, found)
	v, found, err := reopened.Get("b")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "2", v)
}

func TestScheduledCompactionArchivesBackups(t *testing.T) {
	dir := t.TempDir()
	archiveDir := t.TempDir()
	ctx := context.Background()

	q := NewBackupQueue()
	a := archive.New(archive.NewLocalStore(archiveDir), archive.Zstd(), archive.WithLogger(logging.Discard()))

	addr := startServer(t, dir, Options{}, testRunConfig{
		RunConfig: RunConfig{CompactEvery: 50 * time.Millisecond},
		archiver:  a,
		backups:   q,
	}, storage.WithMaxSegmentSize(64), storage.WithSupersededHook(q.Add))

	c := dial(t, addr)
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Set(ctx, "k", "value"))
	}

	require.Eventually(t, func() bool {
		names, err := archive.NewLocalStore(archiveDir).List(ctx, "file_")
		return err == nil && len(names) > 0
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		matches, _ := filepath.Glob(filepath.Join(dir, "*.bak"))
		return len(matches) == 0
	}, 5*time.Second, 20*time.Millisecond)

	v, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value", v)
}

func TestDispatcherRecoversPanics(t *testing.T) {
	eng, err := storage.Open(t.TempDir(), storage.WithLogger(logging.Discard()))
	require.NoError(t, err)
	d := NewDispatcher(eng, WithDispatcherLogger(logging.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	err = d.Do(context.Background(), func(storage.Engine) error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// The dispatcher survives.
	require.NoError(t, d.Do(context.Background(), func(e storage.Engine) error { return e.Set("k", "v") }))

	cancel()
	require.NoError(t, <-done)
}

func TestDispatcherDoHonorsContext(t *testing.T) {
	eng, err := storage.Open(t.TempDir(), storage.WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer eng.Close()
	d := NewDispatcher(eng)

	// Nobody runs the dispatcher, so the job is never picked up.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = d.Do(ctx, func(storage.Engine) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackupQueue(t *testing.T) {
	q := NewBackupQueue()
	q.Add(1, "a.bak")
	q.Add(2, "b.bak")
	assert.Equal(t, []string{"a.bak", "b.bak"}, q.Drain())
	assert.Empty(t, q.Drain())
}

func TestRunListenFailureReleasesEngine(t *testing.T) {
	dir := t.TempDir()

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	eng, err := storage.Open(dir, storage.WithLogger(logging.Discard()))
	require.NoError(t, err)
	d := NewDispatcher(eng, WithDispatcherLogger(logging.Discard()))
	s := New(d, Options{Logger: logging.Discard()})

	err = Run(context.Background(), d, s, RunConfig{Addr: busy.Addr().String()})
	require.Error(t, err)

	// The directory lock must be free again.
	eng2, err := storage.Open(dir, storage.WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, eng2.Close())
}
