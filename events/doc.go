// Package events 提供调度引擎的类型化事件总线。
//
// 任务生命周期、熔断器状态变更、队列饱和等告警都以事件形式发布，
// 嵌入方通过 Subscribe 注册观察者。事件投递对已订阅处理器是至少一次，
// 不保证不相关任务之间的全局顺序。
package events
