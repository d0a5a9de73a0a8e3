// Package breaker 提供按 Agent 的熔断器。
//
// 连续失败达到阈值后进入 open 状态快速拒绝；超时到期转入 half_open，
// 只放行一个探测请求：探测成功回到 closed 并清零计数，失败重新 open。
// Registry 为每个 Agent 惰性维护独立实例，并支持池耗尽时强制半开的
// 故障转移路径。
package breaker
