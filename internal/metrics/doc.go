/*
包 metrics 提供基于 Prometheus 的调度引擎指标采集能力，覆盖
任务、Agent 与协作三大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
工厂绑定到注入的 Registerer（默认为全局注册表）。所有指标按
namespace 隔离，支持多维度 label 分组，便于 Grafana 等工具进行
可视化与告警。

# 主要能力

  - 任务指标：提交/完成/终态失败计数、执行耗时直方图、
    队列深度 Gauge、无候选选择计数，按 task_type 分组。
  - Agent 指标：当前负载 Gauge、熔断器状态 Gauge、熔断次数计数，
    按 agent_id 分组。
  - 协作指标：会话启动计数、协商轮数直方图、集体决策计数，
    按 mode/outcome 分组。
*/
package metrics
