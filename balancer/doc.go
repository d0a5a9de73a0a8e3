// Package balancer 提供带熔断与粘性会话的负载均衡执行层。
//
// 每次尝试走完整流程：策略选择 → 熔断许可 → 画像槽位占用 → 执行 →
// 结果回流（Recorder）。执行失败与超时按指数退避重试并重新选择；
// 选择失败不重试，直接交由上层排队。开启 FailoverProbe 后，
// 候选全部被熔断器挡住时对失败次数最少的 Agent 强制半开做故障转移。
package balancer
