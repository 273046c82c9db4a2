package gateway

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu        sync.Mutex
	tokens    map[string]string
	expiries  map[string]time.Time
	callbacks map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{tokens: map[string]string{}, expiries: map[string]time.Time{}, callbacks: map[string]string{}}
}

func (s *memoryStore) LoadToken(_ context.Context, gw string) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[gw], s.expiries[gw], nil
}

func (s *memoryStore) SaveToken(_ context.Context, gw, token string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[gw], s.expiries[gw] = token, exp
	return nil
}

func (s *memoryStore) LoadCallbackID(_ context.Context, gw string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callbacks[gw], nil
}

func (s *memoryStore) SaveCallbackID(_ context.Context, gw, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[gw] = id
	return nil
}

func TestTokenCacheRefreshesInsideMargin(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	var fetches int32
	fetch := func(context.Context) (string, time.Time, error) {
		n := atomic.AddInt32(&fetches, 1)
		return "tok" + string(rune('0'+n)), now.Add(time.Hour), nil
	}
	c := NewTokenCache(Mpesa, time.Minute, fetch, nil, clock, nil)

	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok1", tok)

	now = now.Add(58 * time.Minute)
	tok, err = c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok1", tok)

	// 30s left, below the 60s margin
	now = now.Add(90 * time.Second)
	tok, err = c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok2", tok)
}

func TestTokenCacheSingleFetchUnderConcurrency(t *testing.T) {
	var fetches int32
	gate := make(chan struct{})
	fetch := func(context.Context) (string, time.Time, error) {
		atomic.AddInt32(&fetches, 1)
		<-gate
		return "tok", time.Now().Add(time.Hour), nil
	}
	c := NewTokenCache(Airtel, time.Minute, fetch, nil, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := c.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok", tok)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))
}

func TestTokenCacheUsesStore(t *testing.T) {
	store := newMemoryStore()
	require.NoError(t, store.SaveToken(context.Background(), "pesapal", "persisted", time.Now().Add(time.Hour)))
	fetch := func(context.Context) (string, time.Time, error) {
		t.Fatal("fetch must not be called when the stored token is valid")
		return "", time.Time{}, nil
	}
	c := NewTokenCache(Pesapal, time.Minute, fetch, store, nil, nil)
	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "persisted", tok)
}

func TestWithTokenRetriesOnceOn401(t *testing.T) {
	var fetches int32
	fetch := func(context.Context) (string, time.Time, error) {
		n := atomic.AddInt32(&fetches, 1)
		return "tok" + string(rune('0'+n)), time.Now().Add(time.Hour), nil
	}
	c := NewTokenCache(Mpesa, time.Minute, fetch, newMemoryStore(), nil, nil)

	var seen []string
	err := c.withToken(context.Background(), func(token string) error {
		seen = append(seen, token)
		if token == "tok1" {
			return &GatewayError{Gateway: Mpesa, Op: "collect", StatusCode: http.StatusUnauthorized}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tok1", "tok2"}, seen)
}
