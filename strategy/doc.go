// Package strategy 提供可插拔的 Agent 选择策略：轮询、最小负载、能力匹配、
// 优先级加权与自适应（学习引擎驱动）。
//
// 所有策略接收同一输入：任务需求与已过资格预筛的候选画像集合。
// 资格预筛（Filter）检查必需能力、空闲槽位与资源约束；
// 健康与熔断过滤由负载均衡器在调用前叠加。
package strategy
