package idgen

import (
	"fmt"
	"sync"
	"time"
)

// 雪花ID: 41位毫秒时间戳 | 10位机器ID | 12位序列号
const (
	epochMillis  = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerBits   = 10
	sequenceBits = 12
	MaxWorkerID  = 1<<workerBits - 1
	sequenceMask = 1<<sequenceBits - 1
)

// Generator hands out ids that never repeat for one worker, even when the
// wall clock steps backwards.
type Generator struct {
	mu       sync.Mutex
	workerID int64
	lastMs   int64
	seq      int64
	now      func() time.Time
}

func NewGenerator(workerID int64) (*Generator, error) {
	if workerID < 0 || workerID > MaxWorkerID {
		return nil, fmt.Errorf("worker id %d out of range [0, %d]", workerID, MaxWorkerID)
	}
	return &Generator{workerID: workerID, now: time.Now}, nil
}

func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.lastMs {
		// 时钟回拨: 沿用上一毫秒继续发号
		ms = g.lastMs
	}
	if ms == g.lastMs {
		g.seq = (g.seq + 1) & sequenceMask
		if g.seq == 0 {
			ms = g.lastMs + 1
			for g.now().UnixMilli() < ms {
				time.Sleep(100 * time.Microsecond)
			}
		}
	} else {
		g.seq = 0
	}
	g.lastMs = ms

	return (ms-epochMillis)<<(workerBits+sequenceBits) | g.workerID<<sequenceBits | g.seq
}

var (
	mu        sync.RWMutex
	generator = mustGenerator(1)
)

func mustGenerator(workerID int64) *Generator {
	g, err := NewGenerator(workerID)
	if err != nil {
		panic(err)
	}
	return g
}

// Init 设置本实例的机器ID；多实例部署时每个实例必须不同
func Init(workerID int64) error {
	g, err := NewGenerator(workerID)
	if err != nil {
		return err
	}
	mu.Lock()
	generator = g
	mu.Unlock()
	return nil
}

func NextID() int64 {
	mu.RLock()
	g := generator
	mu.RUnlock()
	return g.Next()
}

// GenerateOrderNo 订单号: ORD + 19位雪花ID
func GenerateOrderNo() string {
	return fmt.Sprintf("ORD%019d", NextID())
}

// GeneratePayoutNo 出款单号，同时作为出款请求的幂等标识发送给通道
func GeneratePayoutNo() string {
	return fmt.Sprintf("PO%019d", NextID())
}
