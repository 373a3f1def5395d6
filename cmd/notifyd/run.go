package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/dep2p/go-notifications/config"
	"github.com/dep2p/go-notifications/internal/core/muxer"
	"github.com/dep2p/go-notifications/internal/core/notifications"
	"github.com/dep2p/go-notifications/pkg/types"
)

var (
	listenAddr string
	dialAddrs  []string
	protoName  string
	autoOpen   bool
	peerIDStr  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "启动节点并转发标准输入",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		closer, err := setupLogging(cfg.Log)
		if err != nil {
			return err
		}
		defer closer.Close()

		local, err := localPeerID()
		if err != nil {
			return err
		}
		app := fx.New(appOptions(cfg, local)...)
		if err := app.Err(); err != nil {
			return fmt.Errorf("构建应用失败: %w", err)
		}

		startCtx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if err := app.Start(startCtx); err != nil {
			return fmt.Errorf("启动失败: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "节点已启动: %s\n协议: %s\n按 Ctrl+C 退出\n", local, protoName)

		sig := <-app.Done()
		logger.Info("收到退出信号", "signal", sig.String())

		stopCtx, cancelStop := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelStop()
		return app.Stop(stopCtx)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&listenAddr, "listen", "", "TCP 监听地址，例如 127.0.0.1:4001")
	f.StringSliceVar(&dialAddrs, "dial", nil, "启动时拨号的 TCP 地址（可重复）")
	f.StringVar(&protoName, "protocol", "/notifyd/chat/1", "通知协议名")
	f.BoolVar(&autoOpen, "auto-open", true, "自动向每个连接的节点打开会话")
	f.StringVar(&peerIDStr, "peer-id", "", "本地 PeerID（Base58），为空时随机生成")
}

func localPeerID() (types.PeerID, error) {
	if peerIDStr == "" {
		return types.RandomPeerID(), nil
	}
	return types.ParsePeerID(peerIDStr)
}

// appOptions 组装 Fx 应用
func appOptions(cfg *config.Config, local types.PeerID) []fx.Option {
	return []fx.Option{
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
		fx.Supply(cfg, local),
		fx.Supply(networkConfig{
			listen: listenAddr,
			dial:   dialAddrs,
		}),
		muxer.Module,
		notifications.Module,
		fx.Provide(registerChat),
		fx.Invoke(startNetwork),
		fx.Invoke(startRelay),
	}
}

// registerChat 注册演示协议，握手携带本地 PeerID
func registerChat(svc *notifications.Service) (*notifications.ProtocolHandle, error) {
	local := svc.LocalPeer()
	return svc.Register(notifications.ProtocolConfig{
		Name:      types.ProtocolName(protoName),
		Handshake: func() []byte { return []byte(local) },
		ValidateHandshake: func(peer types.PeerID, hs []byte) error {
			if types.PeerID(hs) != peer {
				return fmt.Errorf("notifyd: handshake names %q, connection says %s", hs, peer.ShortString())
			}
			return nil
		},
		AutoOpen: autoOpen,
	})
}

func startRelay(lc fx.Lifecycle, h *notifications.ProtocolHandle) {
	r := newRelay(h, os.Stdin, os.Stdout)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			r.start()
			return nil
		},
		OnStop: func(context.Context) error {
			r.stop()
			return nil
		},
	})
}
