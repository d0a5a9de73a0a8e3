// Package distributor 提供任务分发器：提交校验、需求派生、
// 优先级排队与节拍驱动的派发循环。
//
// 提交的任务先派生选择需求（能力推断、优先级缺省、复杂度估算），
// 然后进入有界优先级队列；排空循环在速率与全局并发允许的范围内
// 把任务交给负载均衡器执行。无合格候选的任务回到队列等待下一个
// 节拍，执行结果统一经 RecordOutcome 回流画像与学习引擎。
// 周期巡检对过载、低成功率与队列饱和发出告警事件。
package distributor
