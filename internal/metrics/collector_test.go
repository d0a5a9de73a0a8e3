package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func newTestCollector() *Collector {
	// 每个测试独立 registry，避免重复注册冲突
	return NewCollector("agentsched", prometheus.NewRegistry(), zap.NewNop())
}

func TestNewCollector(t *testing.T) {
	collector := newTestCollector()

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.tasksSubmitted)
	assert.NotNil(t, collector.tasksCompleted)
	assert.NotNil(t, collector.tasksFailed)
	assert.NotNil(t, collector.taskDuration)
	assert.NotNil(t, collector.queueDepth)
}

func TestCollector_RecordTaskLifecycle(t *testing.T) {
	collector := newTestCollector()

	collector.RecordTaskSubmitted("text")
	collector.RecordTaskCompleted("text", "agent-1", 200*time.Millisecond)
	collector.RecordTaskFailed("text", "RETRIES_EXHAUSTED")

	assert.Greater(t, testutil.CollectAndCount(collector.tasksSubmitted), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.tasksCompleted), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.tasksFailed), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.taskDuration), 0)
}

func TestCollector_QueueDepth(t *testing.T) {
	collector := newTestCollector()

	collector.SetQueueDepth(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(collector.queueDepth))

	collector.SetQueueDepth(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.queueDepth))
}

func TestCollector_AgentMetrics(t *testing.T) {
	collector := newTestCollector()

	collector.SetAgentLoad("agent-1", 3)
	collector.SetBreakerState("agent-1", 1)
	collector.RecordBreakerTrip("agent-1")

	assert.Greater(t, testutil.CollectAndCount(collector.agentLoad), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.breakerState), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.breakerTrips), 0)
}

func TestCollector_CollaborationMetrics(t *testing.T) {
	collector := newTestCollector()

	collector.RecordCollaborationSession("peer_to_peer")
	collector.RecordDecision("peer_to_peer", true, 2)
	collector.RecordDecision("peer_to_peer", false, 5)

	assert.Greater(t, testutil.CollectAndCount(collector.collabSessions), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.decisions), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.consensusRounds), 0)
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := newTestCollector()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			collector.RecordTaskSubmitted("text")
			collector.RecordTaskCompleted("text", "agent-1", 100*time.Millisecond)
			collector.SetAgentLoad("agent-1", 1)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Greater(t, testutil.CollectAndCount(collector.tasksSubmitted), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.tasksCompleted), 0)
}
