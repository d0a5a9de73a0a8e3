// Package profile 维护每个 Agent 的滚动性能画像：能力分数、当前负载、
// 指数衰减成功率、按任务类型的平均耗时和专精度。
//
// 画像是选择策略的唯一数据来源。修改全部经过 Store 并按 Agent 串行化，
// 对外只暴露快照，调用方拿不到可变引用。
package profile
