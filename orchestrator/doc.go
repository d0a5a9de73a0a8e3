// Package orchestrator 提供任务编排：规划、五种拓扑的计划执行与可选校验。
//
// 每个任务走状态机 pending → planning → executing → validating →
// completed|failed。规划与校验是外部协作者（Planner/Validator 接口），
// 缺省实现分别给出单步计划与本地置信度检查。拓扑包括顺序、并发、
// 流水线（带阶段契约）、依赖图（拓扑分批）与 dynamic（整体委托给
// 协作管理器）。主计划失败按序尝试降级计划；校验失败消耗任务级
// 重试预算，预算耗尽后带完整上下文终态失败。
package orchestrator
