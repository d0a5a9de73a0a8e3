package collab

import (
	"sync"
	"time"

	"github.com/BaSui01/agentsched/types"
)

// Blackboard 蜂群模式的共享数据空间
// 写入受短期排他锁仲裁；每次被接受的写入让版本号单调加一，
// 三个写者争同一键时最终版本等于被接受的写入次数
type Blackboard struct {
	mu      sync.Mutex
	data    map[string]any
	version int64

	lockHolder string
	lockExpiry time.Time
	now        func() time.Time
}

// NewBlackboard 创建空黑板
func NewBlackboard() *Blackboard {
	return &Blackboard{
		data: make(map[string]any),
		now:  time.Now,
	}
}

// AcquireLock 获取排他写锁
// 已被他人持有且未过期时失败；持有者重复获取会续期
func (b *Blackboard) AcquireLock(agentID string, ttl time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.locked() && b.lockHolder != agentID {
		return false
	}
	b.lockHolder = agentID
	b.lockExpiry = b.now().Add(ttl)
	return true
}

// ReleaseLock 释放锁，仅持有者可释放
func (b *Blackboard) ReleaseLock(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lockHolder == agentID {
		b.lockHolder = ""
		b.lockExpiry = time.Time{}
	}
}

// locked 必须在锁内调用
func (b *Blackboard) locked() bool {
	return b.lockHolder != "" && b.now().Before(b.lockExpiry)
}

// Write 写入键值
// 黑板被锁定时只有持有者能写，否则返回 BLACKBOARD_LOCKED；
// 每次接受的写入版本加一
func (b *Blackboard) Write(agentID, key string, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.locked() && b.lockHolder != agentID {
		return types.Errorf(types.ErrBlackboardLocked,
			"blackboard locked by %s", b.lockHolder).WithAgent(agentID)
	}
	b.data[key] = value
	b.version++
	return nil
}

// Read 读取键值
func (b *Blackboard) Read(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	return v, ok
}

// Version 当前版本号
func (b *Blackboard) Version() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// Snapshot 返回全部数据的浅拷贝
func (b *Blackboard) Snapshot() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]any, len(b.data))
	for k, v := range b.data {
		out[k] = v
	}
	return out
}

// setClock 注入时钟（测试用）
func (b *Blackboard) setClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}
