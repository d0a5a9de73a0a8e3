package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/agentsched/types"
)

// MessageStore 会话消息持久化接口
// 消息按投递顺序追加，List 按相同顺序返回
type MessageStore interface {
	Append(ctx context.Context, sessionID string, msg *Message) error
	List(ctx context.Context, sessionID string) ([]*Message, error)
}

// memoryStore 进程内消息存储（默认）
type memoryStore struct {
	mu       sync.RWMutex
	messages map[string][]*Message
}

// NewMemoryStore 创建进程内消息存储
func NewMemoryStore() MessageStore {
	return &memoryStore{messages: make(map[string][]*Message)}
}

func (s *memoryStore) Append(_ context.Context, sessionID string, msg *Message) error {
	s.mu.Lock()
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) List(_ context.Context, sessionID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Message(nil), s.messages[sessionID]...), nil
}

// redisStore 基于 Redis 列表的消息存储
// 每个会话一个列表键，消息 JSON 序列化后 RPUSH
type redisStore struct {
	client redis.UniversalClient
}

// NewRedisStore 创建 Redis 消息存储
func NewRedisStore(client redis.UniversalClient) MessageStore {
	return &redisStore{client: client}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("agentsched:session:%s:messages", sessionID)
}

func (s *redisStore) Append(ctx context.Context, sessionID string, msg *Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return types.Errorf(types.ErrExecutionFailed,
			"marshal message %s", msg.ID).WithCause(err).WithRetryable(false)
	}
	return s.client.RPush(ctx, sessionKey(sessionID), raw).Err()
}

func (s *redisStore) List(ctx context.Context, sessionID string) ([]*Message, error) {
	raws, err := s.client.LRange(ctx, sessionKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(raws))
	for _, raw := range raws {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, types.Errorf(types.ErrExecutionFailed,
				"unmarshal stored message").WithCause(err).WithRetryable(false)
		}
		out = append(out, &msg)
	}
	return out, nil
}
