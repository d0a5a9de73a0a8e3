package collab

import (
	"sync"
	"time"

	"github.com/BaSui01/agentsched/types"
)

// Mode 协作模式
type Mode string

const (
	ModeHierarchical Mode = "hierarchical"
	ModePeerToPeer   Mode = "peer_to_peer"
	ModeSwarm        Mode = "swarm"
	ModePipeline     Mode = "pipeline"
	ModeCompetitive  Mode = "competitive"
	ModeCooperative  Mode = "cooperative"
)

// valid 模式枚举校验
func (m Mode) valid() bool {
	switch m {
	case ModeHierarchical, ModePeerToPeer, ModeSwarm, ModePipeline, ModeCompetitive, ModeCooperative:
		return true
	default:
		return false
	}
}

// SessionStatus 会话状态
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Vote 一张共识选票
type Vote struct {
	AgentID    string           `json:"agent_id"`
	Choice     types.VoteChoice `json:"choice"`
	Confidence float64          `json:"confidence"`
}

// Proposal 协商提案
type Proposal struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	Content    map[string]any `json:"content,omitempty"`
	Score      float64        `json:"score"`
	Supporters []string       `json:"supporters,omitempty"`
	Objections []string       `json:"objections,omitempty"`
}

// weightedScore 提案综合分：自评分 × 支持度折减
func (p *Proposal) weightedScore() float64 {
	s := float64(len(p.Supporters))
	o := float64(len(p.Objections))
	return p.Score * s / (s + o + 1)
}

// Decision 集体决策结论
type Decision struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Proposal  *Proposal `json:"proposal,omitempty"`
	Votes     []Vote    `json:"votes,omitempty"`
	Approvals int       `json:"approvals"`
	Total     int       `json:"total"`
	// Consensus 是否达成共识；false 表示尽力而为的最优结果
	Consensus bool      `json:"consensus"`
	Rounds    int       `json:"rounds"`
	DecidedAt time.Time `json:"decided_at"`
}

// Session 协作会话
type Session struct {
	ID           string        `json:"id"`
	TaskID       string        `json:"task_id"`
	Mode         Mode          `json:"mode"`
	Protocol     string        `json:"protocol"`
	Participants []string      `json:"participants"`
	Coordinator  string        `json:"coordinator,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`

	mu         sync.RWMutex
	status     SessionStatus
	task       *types.Task
	hub        *MessageHub
	blackboard *Blackboard
	decisions  []*Decision
	result     *types.TaskResult
}

// Status 当前会话状态
func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// setStatus 推进会话状态，终态后不再改动
func (s *Session) setStatus(status SessionStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != SessionActive {
		return false
	}
	s.status = status
	return true
}

// active 会话是否仍在进行
func (s *Session) active() bool {
	return s.Status() == SessionActive
}

// Blackboard 返回蜂群模式的共享黑板，其他模式为 nil
func (s *Session) Blackboard() *Blackboard {
	return s.blackboard
}

// Hub 返回会话消息中心
func (s *Session) Hub() *MessageHub {
	return s.hub
}

// Result 会话最终结果
func (s *Session) Result() *types.TaskResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

func (s *Session) setResult(r *types.TaskResult) {
	s.mu.Lock()
	s.result = r
	s.mu.Unlock()
}

// Decisions 会话内累计的决策
func (s *Session) Decisions() []*Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Decision(nil), s.decisions...)
}

func (s *Session) addDecision(d *Decision) {
	s.mu.Lock()
	s.decisions = append(s.decisions, d)
	s.mu.Unlock()
}
