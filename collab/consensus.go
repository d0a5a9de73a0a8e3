package collab

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentsched/events"
	"github.com/BaSui01/agentsched/types"
)

// RequestConsensus 向会话全体参与者征集对提案的投票
// 赞成比例达到阈值即为达成共识；不足时返回 Consensus=false 的决策而非错误。
// 未响应的参与者在单轮超时后按弃权计入总票数
func (m *Manager) RequestConsensus(ctx context.Context, sessionID string, proposal map[string]any) (*Decision, error) {
	s, err := m.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if !s.active() {
		return nil, types.Errorf(types.ErrSessionClosed,
			"session %s is %s", sessionID, s.Status())
	}

	if err := s.hub.Send(ctx, NewMessage(sessionID, "", "", MsgProposal, proposal)); err != nil {
		m.logger.Warn("failed to broadcast proposal", zap.Error(err))
	}

	votes := m.collectVotes(ctx, s, proposal)

	approvals := 0
	for _, v := range votes {
		if v.Choice == types.VoteApprove {
			approvals++
		}
	}
	total := len(s.Participants)

	decision := &Decision{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Proposal:  &Proposal{ID: uuid.NewString(), Content: proposal},
		Votes:     votes,
		Approvals: approvals,
		Total:     total,
		Consensus: float64(approvals)/float64(total) >= m.cfg.ConsensusThreshold,
		Rounds:    1,
		DecidedAt: time.Now(),
	}
	m.recordDecision(s, decision)
	return decision, nil
}

// collectVotes 并发收集全体参与者的投票，超时按弃权处理
func (m *Manager) collectVotes(ctx context.Context, s *Session, proposal map[string]any) []Vote {
	roundCtx, cancel := context.WithTimeout(ctx, m.cfg.RoundTimeout)
	defer cancel()

	votes := make([]Vote, len(s.Participants))
	var wg sync.WaitGroup
	for i, id := range s.Participants {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			votes[i] = m.castVote(roundCtx, s, id, proposal)
		}(i, id)
	}
	wg.Wait()

	return votes
}

// castVote 单个参与者投票
// 实现 types.Voter 的工作者自行表态，否则按其历史成功率默认赞成
func (m *Manager) castVote(ctx context.Context, s *Session, agentID string, proposal map[string]any) Vote {
	w, ok := m.workers.Get(agentID)
	if !ok {
		return Vote{AgentID: agentID, Choice: types.VoteAbstain}
	}

	voter, ok := w.(types.Voter)
	if !ok {
		confidence := 0.5
		if p, ok := m.profiles.Get(agentID); ok && p.SuccessRate > 0 {
			confidence = p.SuccessRate
		}
		return Vote{AgentID: agentID, Choice: types.VoteApprove, Confidence: confidence}
	}

	type outcome struct {
		choice     types.VoteChoice
		confidence float64
		err        error
	}
	ch := make(chan outcome, 1)
	go func() {
		choice, confidence, err := voter.Vote(ctx, proposal)
		ch <- outcome{choice, confidence, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			m.logger.Warn("participant vote failed",
				zap.String("session_id", s.ID), zap.String("agent_id", agentID), zap.Error(out.err))
			return Vote{AgentID: agentID, Choice: types.VoteAbstain}
		}
		return Vote{AgentID: agentID, Choice: out.choice, Confidence: out.confidence}
	case <-ctx.Done():
		return Vote{AgentID: agentID, Choice: types.VoteAbstain}
	}
}

// Negotiate 多轮协商
// 每轮每个参与者提交一份提案，互相表态后按综合分排名；
// 领先提案的支持比例达到阈值即提前收敛，轮数受 MaxDepth 约束，
// 到顶仍未收敛时返回尽力而为的最优提案（Consensus=false）
func (m *Manager) Negotiate(ctx context.Context, sessionID string, topic map[string]any) (*Decision, error) {
	s, err := m.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if !s.active() {
		return nil, types.Errorf(types.ErrSessionClosed,
			"session %s is %s", sessionID, s.Status())
	}

	total := len(s.Participants)
	var best *Proposal
	rounds := 0

	for round := 1; round <= m.cfg.MaxDepth; round++ {
		rounds = round
		payload := map[string]any{"negotiation": topic, "round": round}
		if best != nil {
			// 把上一轮领先提案带进下一轮，推动收敛
			payload["leading"] = best.Content
		}

		proposals := m.collectProposals(ctx, s, payload)
		if len(proposals) == 0 {
			continue
		}
		tallySupport(proposals)

		sort.Slice(proposals, func(i, j int) bool {
			wi, wj := proposals[i].weightedScore(), proposals[j].weightedScore()
			if wi != wj {
				return wi > wj
			}
			return proposals[i].AgentID < proposals[j].AgentID
		})
		// 收敛判定看全程最优提案的支持面，而不是本轮领先者
		leader := proposals[0]
		if best == nil || leader.weightedScore() > best.weightedScore() {
			best = leader
		}

		if float64(len(best.Supporters))/float64(total) >= m.cfg.ConsensusThreshold {
			decision := &Decision{
				ID:        uuid.NewString(),
				SessionID: sessionID,
				Proposal:  best,
				Approvals: len(best.Supporters),
				Total:     total,
				Consensus: true,
				Rounds:    round,
				DecidedAt: time.Now(),
			}
			m.recordDecision(s, decision)
			return decision, nil
		}
	}

	if best == nil {
		return nil, types.Errorf(types.ErrConsensusFailed,
			"negotiation in session %s produced no proposals", sessionID)
	}
	decision := &Decision{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Proposal:  best,
		Approvals: len(best.Supporters),
		Total:     total,
		Consensus: false,
		Rounds:    rounds,
		DecidedAt: time.Now(),
	}
	m.recordDecision(s, decision)
	return decision, nil
}

// collectProposals 并发收集本轮提案，失败或超时的参与者本轮缺席
func (m *Manager) collectProposals(ctx context.Context, s *Session, payload map[string]any) []*Proposal {
	roundCtx, cancel := context.WithTimeout(ctx, m.cfg.RoundTimeout)
	defer cancel()

	var mu sync.Mutex
	proposals := make([]*Proposal, 0, len(s.Participants))

	var wg sync.WaitGroup
	for _, id := range s.Participants {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := m.runParticipant(roundCtx, s, id, payload)
			if err != nil || !res.Success {
				return
			}
			p := &Proposal{
				ID:      uuid.NewString(),
				AgentID: id,
				Content: map[string]any{"data": res.Data},
				Score:   res.Confidence,
			}
			mu.Lock()
			proposals = append(proposals, p)
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	for _, p := range proposals {
		_ = s.hub.Send(ctx, NewMessage(s.ID, p.AgentID, "", MsgProposal, p.Content))
	}
	return proposals
}

// tallySupport 参与者表态规则：
// 对评分不低于自己提案的提案投支持票，低于自己的投反对票（总支持自己的提案）
func tallySupport(proposals []*Proposal) {
	for _, p := range proposals {
		for _, other := range proposals {
			if other.AgentID == p.AgentID {
				continue
			}
			if p.Score >= other.Score {
				p.Supporters = append(p.Supporters, other.AgentID)
			} else {
				p.Objections = append(p.Objections, other.AgentID)
			}
		}
		p.Supporters = append(p.Supporters, p.AgentID)
	}
}

func (m *Manager) recordDecision(s *Session, d *Decision) {
	s.addDecision(d)
	if m.collector != nil {
		m.collector.RecordDecision(string(s.Mode), d.Consensus, d.Rounds)
	}
	m.publish(events.DecisionMade, s, map[string]any{
		"decision_id": d.ID,
		"consensus":   d.Consensus,
		"approvals":   d.Approvals,
		"total":       d.Total,
		"rounds":      d.Rounds,
	})
	m.logger.Info("decision recorded",
		zap.String("session_id", s.ID),
		zap.Bool("consensus", d.Consensus),
		zap.Int("approvals", d.Approvals),
		zap.Int("total", d.Total),
		zap.Int("rounds", d.Rounds))
}
