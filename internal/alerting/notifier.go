package alerting

import (
	"context"
)

// Notifier 定义通知输送接口。实现必须自行处理 LOG/ALERT 两类流量的路由，
// 不适用的 intent 直接返回 nil。
type Notifier interface {
	Name() string
	Send(ctx context.Context, intent Intent) error
}
