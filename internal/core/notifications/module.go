package notifications

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/dep2p/go-notifications/config"
	pkgif "github.com/dep2p/go-notifications/pkg/interfaces"
	"github.com/dep2p/go-notifications/pkg/types"
)

// Module 返回 Fx 模块
//
// 协议在 fx.Invoke 中通过 *Service.Register 注册，Invoke 先于 OnStart 执行。
var Module = fx.Module("core/notifications",
	fx.Provide(ProvideService),
	fx.Invoke(registerLifecycle),
)

// ModuleInput Fx 输入参数
type ModuleInput struct {
	fx.In
	LocalPeer  types.PeerID
	UnifiedCfg *config.Config           `optional:"true"`
	Reporter   pkgif.ReputationReporter `optional:"true"`
	Registerer prometheus.Registerer    `optional:"true"`
}

// ModuleOutput Fx 输出
type ModuleOutput struct {
	fx.Out
	Service  *Service
	Notifiee pkgif.ConnNotifiee
}

// ConfigFromUnified 从统一配置取通知配置
func ConfigFromUnified(cfg *config.Config) config.NotificationsConfig {
	if cfg == nil {
		return config.DefaultNotificationsConfig()
	}
	return cfg.Notifications
}

// ProvideService 提供通知服务
func ProvideService(input ModuleInput) (ModuleOutput, error) {
	var opts []Option
	if input.Reporter != nil {
		opts = append(opts, WithReputationReporter(input.Reporter))
	}
	if input.Registerer != nil {
		opts = append(opts, WithRegisterer(input.Registerer))
	}
	svc, err := NewService(input.LocalPeer, ConfigFromUnified(input.UnifiedCfg), opts...)
	if err != nil {
		return ModuleOutput{}, err
	}
	return ModuleOutput{Service: svc, Notifiee: svc}, nil
}

func registerLifecycle(lc fx.Lifecycle, svc *Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return svc.Stop(ctx)
		},
	})
}
