package idgen

import (
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateOrderNoIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 5000; i++ {
		no := GenerateOrderNo()
		require.False(t, seen[no], no)
		seen[no] = true
	}
	assert.Regexp(t, regexp.MustCompile(`^ORD\d{19}$`), GenerateOrderNo())
}

func TestGeneratePayoutNoFormat(t *testing.T) {
	assert.Regexp(t, regexp.MustCompile(`^PO\d{19}$`), GeneratePayoutNo())
}

func TestGeneratorSurvivesClockStepBack(t *testing.T) {
	g, err := NewGenerator(3)
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	g.now = func() time.Time { return clock }

	first := g.Next()
	clock = base.Add(-time.Second)
	second := g.Next()
	assert.Greater(t, second, first)
}

func TestGeneratorIsSafeForConcurrentUse(t *testing.T) {
	g, err := NewGenerator(7)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]bool)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				id := g.Next()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 4000)
}

func TestNewGeneratorRejectsBadWorkerID(t *testing.T) {
	_, err := NewGenerator(MaxWorkerID + 1)
	assert.Error(t, err)
	assert.Error(t, Init(-1))
}

func TestGenerateMerchantRef(t *testing.T) {
	ref := GenerateMerchantRef()
	assert.Regexp(t, regexp.MustCompile(`^[0-9A-Za-z]{12}$`), ref)
	assert.NotEqual(t, ref, GenerateMerchantRef())
}
