package streaming

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	url   string
	err   error
	calls atomic.Int32
}

func (r *fakeResolver) StreamURL(ctx context.Context, sourceURL string) (string, error) {
	r.calls.Add(1)
	return r.url, r.err
}

// fakeFetcher hands out pipes the test writes into.
type fakeFetcher struct {
	mu        sync.Mutex
	opens     int
	cancelled atomic.Int32
	writers   []*io.PipeWriter
	opened    chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{opened: make(chan struct{}, 16)}
}

func (f *fakeFetcher) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	f.mu.Lock()
	f.opens++
	f.writers = append(f.writers, pw)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.cancelled.Add(1)
		pw.CloseWithError(ctx.Err())
	}()
	f.opened <- struct{}{}
	return pr, nil
}

func (f *fakeFetcher) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeFetcher) writer(t *testing.T, i int) *io.PipeWriter {
	t.Helper()
	select {
	case <-f.opened:
	case <-time.After(time.Second):
		t.Fatal("upstream was never opened")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.writers), i)
	return f.writers[i]
}

func recv(t *testing.T, sub *Subscriber) ([]byte, bool) {
	t.Helper()
	select {
	case chunk, ok := <-sub.C():
		return chunk, ok
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for chunk")
		return nil, false
	}
}

func newTestManager(res *fakeResolver, f *fakeFetcher) *Manager {
	return NewManager(res, f, Config{ChunkSize: 4, QueueSize: 10})
}

func TestManager_SingleUpstreamForManySubscribers(t *testing.T) {
	res := &fakeResolver{url: "https://media.example/a"}
	f := newFakeFetcher()
	m := newTestManager(res, f)
	defer m.Close()

	const n = 5
	subs := make([]*Subscriber, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := m.Subscribe(context.Background(), "track-1", "https://youtube.example/a")
			assert.NoError(t, err)
			subs[i] = sub
		}(i)
	}
	wg.Wait()
	for _, sub := range subs {
		require.NotNil(t, sub)
	}

	w := f.writer(t, 0)
	_, err := w.Write([]byte("abcd"))
	require.NoError(t, err)

	for _, sub := range subs {
		chunk, ok := recv(t, sub)
		require.True(t, ok)
		assert.Equal(t, []byte("abcd"), chunk)
	}
	assert.Equal(t, 1, f.Opens())
	assert.Equal(t, 1, m.ActiveSessions())

	for _, sub := range subs {
		m.Unsubscribe("track-1", sub)
	}

	assert.Eventually(t, func() bool { return f.cancelled.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.ActiveSessions())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), f.cancelled.Load(), "fetch is cancelled exactly once")
}

func TestManager_DetachOneKeepsOthers(t *testing.T) {
	res := &fakeResolver{url: "https://media.example/a"}
	f := newFakeFetcher()
	m := newTestManager(res, f)
	defer m.Close()

	a, err := m.Subscribe(context.Background(), "track-1", "src")
	require.NoError(t, err)
	b, err := m.Subscribe(context.Background(), "track-1", "src")
	require.NoError(t, err)

	w := f.writer(t, 0)
	_, err = w.Write([]byte("1111"))
	require.NoError(t, err)
	chunk, _ := recv(t, a)
	assert.Equal(t, []byte("1111"), chunk)
	chunk, _ = recv(t, b)
	assert.Equal(t, []byte("1111"), chunk)

	m.Unsubscribe("track-1", a)
	m.Unsubscribe("track-1", a)

	_, err = w.Write([]byte("2222"))
	require.NoError(t, err)
	chunk, ok := recv(t, b)
	require.True(t, ok)
	assert.Equal(t, []byte("2222"), chunk)
	assert.Equal(t, int32(0), f.cancelled.Load(), "upstream survives while a subscriber remains")

	select {
	case <-a.C():
		t.Fatal("detached subscriber received a chunk")
	default:
	}
}

func TestManager_UpstreamEndClosesSubscribers(t *testing.T) {
	res := &fakeResolver{url: "https://media.example/a"}
	f := newFakeFetcher()
	m := newTestManager(res, f)
	defer m.Close()

	sub, err := m.Subscribe(context.Background(), "track-1", "src")
	require.NoError(t, err)

	w := f.writer(t, 0)
	_, err = w.Write([]byte("abcdef"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var got []byte
	for {
		chunk, ok := recv(t, sub)
		if !ok {
			break
		}
		got = append(got, chunk...)
	}
	assert.Equal(t, []byte("abcdef"), got, "final partial chunk is delivered before the end")

	assert.Eventually(t, func() bool { return m.ActiveSessions() == 0 }, time.Second, 5*time.Millisecond)
	assert.NotPanics(t, func() { m.Unsubscribe("track-1", sub) })

	// A new subscriber after the end starts a fresh fetch.
	again, err := m.Subscribe(context.Background(), "track-1", "src")
	require.NoError(t, err)
	f.writer(t, 1)
	assert.Equal(t, 2, f.Opens())
	m.Unsubscribe("track-1", again)
}

func TestManager_UpstreamErrorEndsStream(t *testing.T) {
	res := &fakeResolver{url: "https://media.example/a"}
	f := newFakeFetcher()
	m := newTestManager(res, f)
	defer m.Close()

	sub, err := m.Subscribe(context.Background(), "track-1", "src")
	require.NoError(t, err)

	w := f.writer(t, 0)
	w.CloseWithError(errors.New("connection reset"))

	_, ok := recv(t, sub)
	assert.False(t, ok, "mid-stream failure is a clean end of stream")
}

func TestManager_DropsForSlowSubscriberOnly(t *testing.T) {
	res := &fakeResolver{url: "https://media.example/a"}
	f := newFakeFetcher()
	m := NewManager(res, f, Config{ChunkSize: 1, QueueSize: 2})
	defer m.Close()

	slow, err := m.Subscribe(context.Background(), "track-1", "src")
	require.NoError(t, err)
	fast, err := m.Subscribe(context.Background(), "track-1", "src")
	require.NoError(t, err)

	w := f.writer(t, 0)
	for _, b := range []string{"a", "b", "c", "d"} {
		_, err := w.Write([]byte(b))
		require.NoError(t, err)
		chunk, ok := recv(t, fast)
		require.True(t, ok)
		assert.Equal(t, b, string(chunk))
	}

	chunk, _ := recv(t, slow)
	assert.Equal(t, "a", string(chunk))
	chunk, _ = recv(t, slow)
	assert.Equal(t, "b", string(chunk))
	select {
	case extra := <-slow.C():
		t.Fatalf("slow subscriber received overflow chunk %q", extra)
	default:
	}
}

func TestManager_ResolutionFailures(t *testing.T) {
	tests := []struct {
		name string
		url  string
		err  error
	}{
		{name: "resolver error", err: errors.New("extractor failed")},
		{name: "empty url", url: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeFetcher()
			m := newTestManager(&fakeResolver{url: tt.url, err: tt.err}, f)
			defer m.Close()

			sub, err := m.Subscribe(context.Background(), "track-1", "src")

			assert.Nil(t, sub)
			assert.True(t, errors.Is(err, ErrStreamUnavailable), "got %v", err)
			assert.Equal(t, 0, f.Opens())
			assert.Equal(t, 0, m.ActiveSessions())
		})
	}
}

// blockingResolver holds every resolution until release is closed.
type blockingResolver struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (r *blockingResolver) StreamURL(ctx context.Context, sourceURL string) (string, error) {
	r.calls.Add(1)
	r.started <- struct{}{}
	select {
	case <-r.release:
		return "https://media.example/a", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestManager_CallerLeavingDoesNotFailSharedResolution(t *testing.T) {
	res := &blockingResolver{started: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFakeFetcher()
	m := NewManager(res, f, Config{ChunkSize: 4, QueueSize: 10})
	defer m.Close()

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.Subscribe(firstCtx, "track-1", "src")
		firstErr <- err
	}()
	<-res.started

	second := make(chan error, 1)
	var sub *Subscriber
	go func() {
		var err error
		sub, err = m.Subscribe(context.Background(), "track-1", "src")
		second <- err
	}()
	time.Sleep(50 * time.Millisecond) // let the second caller join the flight

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(res.release)
	require.NoError(t, <-second)
	require.NotNil(t, sub)
	assert.Equal(t, int32(1), res.calls.Load())
	assert.Equal(t, 1, m.ActiveSessions())
}

func TestManager_SeparateTracksAreIndependent(t *testing.T) {
	res := &fakeResolver{url: "https://media.example/x"}
	f := newFakeFetcher()
	m := newTestManager(res, f)
	defer m.Close()

	for i := 0; i < 3; i++ {
		_, err := m.Subscribe(context.Background(), fmt.Sprintf("track-%d", i), "src")
		require.NoError(t, err)
	}

	assert.Equal(t, 3, m.ActiveSessions())
	assert.Eventually(t, func() bool { return f.Opens() == 3 }, time.Second, 5*time.Millisecond)
}

func TestHTTPFetcher_Open(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, "audio-bytes")
	}))
	defer server.Close()

	body, err := HTTPFetcher{}.Open(context.Background(), server.URL+"/ok")
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	body.Close()
	assert.Equal(t, "audio-bytes", string(data))

	_, err = HTTPFetcher{Client: server.Client()}.Open(context.Background(), server.URL+"/missing")
	assert.Error(t, err)
}
