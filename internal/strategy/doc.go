// Package strategy 聚合离线缓存控制器可选的请求解析策略，并提供统一的注册入口。
//
// 每个策略在 init() 中通过 MustRegister 注册元数据；配置校验与诊断端点都只依赖
// 本包暴露的 Resolve/List，不关心具体实现位于哪个包。
package strategy
