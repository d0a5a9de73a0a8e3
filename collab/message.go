package collab

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentsched/types"
)

// MessageType 会话消息类型
type MessageType string

const (
	// MsgRoleAssignment 模式初始化时的角色通知
	MsgRoleAssignment MessageType = "role_assignment"
	// MsgGoal 协作目标广播
	MsgGoal MessageType = "goal"
	// MsgProposal 协商轮次中的提案
	MsgProposal MessageType = "proposal"
	// MsgVote 共识投票
	MsgVote MessageType = "vote"
	// MsgResult 参与者的阶段性结果
	MsgResult MessageType = "result"
)

// Message 会话内消息
// To 为空表示广播给全体参与者
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	From      string         `json:"from"`
	To        string         `json:"to,omitempty"`
	Type      MessageType    `json:"type"`
	Content   map[string]any `json:"content,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage 创建消息
func NewMessage(sessionID, from, to string, t MessageType, content map[string]any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		From:      from,
		To:        to,
		Type:      t,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// hubBufferSize 每个参与者的收件箱容量
const hubBufferSize = 100

// MessageHub 会话内消息路由
// 每个参与者一个有缓冲收件箱；广播投递到除发送者外的所有人，
// 收件箱满时该参与者丢失本条消息（慢消费者不能阻塞会话）
type MessageHub struct {
	sessionID string
	store     MessageStore
	logger    *zap.Logger

	mu        sync.RWMutex
	inboxes   map[string]chan *Message
	closed    bool
	closeOnce sync.Once
}

// NewMessageHub 创建消息中心
// store 为 nil 时消息不持久化
func NewMessageHub(sessionID string, participants []string, store MessageStore, logger *zap.Logger) *MessageHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &MessageHub{
		sessionID: sessionID,
		store:     store,
		logger:    logger.With(zap.String("session_id", sessionID)),
		inboxes:   make(map[string]chan *Message, len(participants)),
	}
	for _, p := range participants {
		h.inboxes[p] = make(chan *Message, hubBufferSize)
	}
	return h
}

// Send 投递消息：To 为空广播，否则定向
func (h *MessageHub) Send(ctx context.Context, msg *Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return types.Errorf(types.ErrSessionClosed,
			"session %s message hub is closed", h.sessionID)
	}

	if h.store != nil {
		if err := h.store.Append(ctx, h.sessionID, msg); err != nil {
			h.logger.Warn("failed to persist message", zap.Error(err))
		}
	}

	if msg.To != "" {
		inbox, ok := h.inboxes[msg.To]
		if !ok {
			return types.Errorf(types.ErrAgentNotFound,
				"participant %s not in session %s", msg.To, h.sessionID)
		}
		h.deliver(inbox, msg)
		return nil
	}

	for id, inbox := range h.inboxes {
		if id == msg.From {
			continue
		}
		h.deliver(inbox, msg)
	}
	return nil
}

func (h *MessageHub) deliver(inbox chan *Message, msg *Message) {
	select {
	case inbox <- msg:
	default:
		h.logger.Debug("participant inbox full, dropping message",
			zap.String("type", string(msg.Type)))
	}
}

// Receive 接收发给某参与者的下一条消息，超时返回 TIMEOUT
func (h *MessageHub) Receive(ctx context.Context, agentID string, timeout time.Duration) (*Message, error) {
	h.mu.RLock()
	inbox, ok := h.inboxes[agentID]
	h.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrAgentNotFound,
			"participant %s not in session %s", agentID, h.sessionID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-inbox:
		if !ok {
			return nil, types.Errorf(types.ErrSessionClosed,
				"session %s message hub is closed", h.sessionID)
		}
		return msg, nil
	case <-timer.C:
		return nil, types.Errorf(types.ErrTimeout,
			"no message for %s within %v", agentID, timeout).WithAgent(agentID)
	case <-ctx.Done():
		return nil, types.Errorf(types.ErrTimeout,
			"receive cancelled for %s", agentID).WithAgent(agentID).WithCause(ctx.Err())
	}
}

// History 返回已持久化的会话消息
func (h *MessageHub) History(ctx context.Context) ([]*Message, error) {
	if h.store == nil {
		return nil, nil
	}
	return h.store.List(ctx, h.sessionID)
}

// Close 关闭全部收件箱
func (h *MessageHub) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.closed = true
		for _, inbox := range h.inboxes {
			close(inbox)
		}
	})
}
