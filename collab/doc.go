// Package collab 实现多 Agent 协作层。
//
// 管理器支持六种协作模式：
//   - hierarchical：选举协调者，其余参与者作为下属与后备
//   - peer_to_peer：全员并发执行，评估规则取最优结果
//   - swarm：参与者通过锁仲裁的共享黑板交换中间结果
//   - pipeline：参与者按序执行，输出链式传递
//   - competitive：共享截止时间内竞争，置信度最高者胜出
//   - cooperative：共享目标并发执行，结果合并后协商定稿
//
// 会话内通信走 MessageHub（定向 + 广播），消息可选持久化到
// 进程内存储或 Redis。集体决策有两条路径：RequestConsensus 按
// 赞成比例阈值一轮定案，Negotiate 多轮提案互评、轮数受限。
package collab
