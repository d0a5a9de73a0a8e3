package balancer

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/agentsched/types"
)

// Registry 工作者注册表
// 持有 Worker 实例本体；画像数据在 profile.Store，两者以 Agent ID 关联
type Registry struct {
	mu      sync.RWMutex
	workers map[string]types.Worker
	logger  *zap.Logger
}

// NewWorkerRegistry 创建工作者注册表
func NewWorkerRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		workers: make(map[string]types.Worker),
		logger:  logger.With(zap.String("component", "worker_registry")),
	}
}

// Register 注册 Worker，重复注册覆盖旧实例
func (r *Registry) Register(w types.Worker) {
	r.mu.Lock()
	r.workers[w.ID()] = w
	r.mu.Unlock()

	r.logger.Info("worker registered",
		zap.String("agent_id", w.ID()),
		zap.Strings("capabilities", w.Capabilities()))
}

// Unregister 注销 Worker
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	delete(r.workers, agentID)
	r.mu.Unlock()

	r.logger.Info("worker unregistered", zap.String("agent_id", agentID))
}

// Get 按 ID 获取 Worker
func (r *Registry) Get(agentID string) (types.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[agentID]
	return w, ok
}

// IDs 返回所有已注册的 Agent ID，字典序
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Metrics 返回某 Worker 的资源快照（策略资源预筛用）
func (r *Registry) Metrics(agentID string) (types.WorkerMetrics, bool) {
	w, ok := r.Get(agentID)
	if !ok {
		return types.WorkerMetrics{}, false
	}
	return w.Metrics(), true
}

// Health 返回某 Worker 的健康状态
func (r *Registry) Health(agentID string) (types.HealthStatus, bool) {
	w, ok := r.Get(agentID)
	if !ok {
		return "", false
	}
	return w.Health(), true
}

// Count 已注册 Worker 数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
