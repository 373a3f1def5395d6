package notifications

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-notifications/config"
	pkgif "github.com/dep2p/go-notifications/pkg/interfaces"
	"github.com/dep2p/go-notifications/pkg/lib/log"
	"github.com/dep2p/go-notifications/pkg/types"
)

var logger = log.Logger("core/notifications")

// 确保实现了接口
var _ pkgif.ConnNotifiee = (*Service)(nil)

// ============================================================================
//                              选项
// ============================================================================

type options struct {
	clock      clock.Clock
	registerer prometheus.Registerer
	reporter   pkgif.ReputationReporter
	factory    func(*Registry, handlerConfig, *metrics) handlerFactory
}

// Option 服务选项
type Option func(*options)

// WithClock 替换时钟，测试用 clock.NewMock()
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithRegisterer 指定指标注册位置，默认使用私有 Registry
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = r
	}
}

// WithReputationReporter 指定信誉协作方
func WithReputationReporter(r pkgif.ReputationReporter) Option {
	return func(o *options) {
		o.reporter = r
	}
}

// withHandlerFactory 替换连接处理器实现
func withHandlerFactory(f func(*Registry, handlerConfig, *metrics) handlerFactory) Option {
	return func(o *options) {
		o.factory = f
	}
}

// ============================================================================
//                              服务
// ============================================================================

// Service 通知子流服务
//
// 生命周期：NewService → Register（若干）→ Start → ... → Stop。
// 传输层通过 Connected/Disconnected 告知连接上下线。
type Service struct {
	local   types.PeerID
	cfg     config.NotificationsConfig
	opts    options
	reg     *Registry
	metrics *metrics
	relay   *reputationRelay

	mu      sync.Mutex
	handles []*ProtocolHandle
	agg     *aggregator
	state   serviceState
	cancel  context.CancelFunc
	eg      *errgroup.Group
}

type serviceState int

const (
	stateNew serviceState = iota
	stateRunning
	stateStopped
)

// NewService 创建服务
func NewService(local types.PeerID, cfg config.NotificationsConfig, opts ...Option) (*Service, error) {
	if local.IsEmpty() {
		return nil, fmt.Errorf("notifications: %w", types.ErrEmptyPeerID)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("notifications: %w", err)
	}

	o := options{
		clock:   clock.New(),
		factory: newHandlerFactory,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registerer == nil {
		o.registerer = prometheus.NewRegistry()
	}

	return &Service{
		local:   local,
		cfg:     cfg,
		opts:    o,
		reg:     NewRegistry(cfg),
		metrics: newMetrics(o.registerer),
		relay:   newReputationRelay(o.reporter),
	}, nil
}

// LocalPeer 返回本地节点 ID
func (s *Service) LocalPeer() types.PeerID {
	return s.local
}

// Registry 返回协议注册表
func (s *Service) Registry() *Registry {
	return s.reg
}

// Register 注册通知协议，必须在 Start 之前调用
func (s *Service) Register(cfg ProtocolConfig) (*ProtocolHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateNew {
		return nil, ErrAlreadyStarted
	}
	idx, err := s.reg.Add(cfg)
	if err != nil {
		return nil, err
	}
	pc := s.reg.Get(idx)
	h := &ProtocolHandle{
		svc:  s,
		idx:  idx,
		cfg:  pc,
		pump: newPump(pc.Name),
	}
	s.handles = append(s.handles, h)
	return h, nil
}

// Start 冻结注册表并启动聚合器
func (s *Service) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrStopped
	}
	s.reg.freeze()

	hcfg := handlerConfig{
		handshakeTimeout: s.cfg.HandshakeTimeout.Duration(),
		inboundBacklog:   s.cfg.InboundBacklog,
		gracefulClose:    s.cfg.GracefulCloseTimeout.Duration(),
	}
	handles := s.handles
	s.agg = newAggregator(
		s.local,
		s.reg,
		s.cfg,
		s.opts.clock,
		s.metrics,
		s.relay,
		s.opts.factory(s.reg, hcfg, s.metrics),
		func(idx ProtocolIndex, item pumpItem) { handles[idx].pump.push(item) },
	)

	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.eg = eg

	for _, h := range handles {
		eg.Go(func() error { return h.pump.run(egCtx) })
	}
	eg.Go(func() error { return s.relay.run(egCtx) })
	eg.Go(func() error { return s.agg.run(egCtx) })

	s.state = stateRunning
	logger.Info("通知服务已启动",
		"local", s.local.ShortString(),
		"protocols", s.reg.Len())
	return nil
}

// Stop 停止服务，关闭所有会话与处理器
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateRunning {
		s.state = stateStopped
		s.mu.Unlock()
		return nil
	}
	s.state = stateStopped
	cancel, eg := s.cancel, s.eg
	s.mu.Unlock()

	cancel()
	waitErr := make(chan error, 1)
	go func() { waitErr <- eg.Wait() }()

	var err error
	select {
	case e := <-waitErr:
		err = multierr.Append(err, e)
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("notifications: stop: %w", ctx.Err()))
	}
	logger.Info("通知服务已停止", "local", s.local.ShortString())
	return err
}

func (s *Service) checkRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateNew:
		return ErrNotStarted
	case stateStopped:
		return ErrStopped
	}
	return nil
}

// Connected 实现 ConnNotifiee
func (s *Service) Connected(conn pkgif.Conn) {
	if err := s.checkRunning(); err != nil {
		logger.Warn("服务未运行，忽略连接",
			"peer", log.TruncateID(string(conn.RemotePeer()), 8),
			"error", err)
		return
	}
	s.agg.connected(conn)
}

// Disconnected 实现 ConnNotifiee，可重复调用
func (s *Service) Disconnected(conn pkgif.Conn) {
	if s.checkRunning() != nil {
		return
	}
	s.agg.disconnected(conn)
}

// DisconnectPeer 本地关闭与节点的全部会话（封禁时调用）
//
// 每个 Open 会话产生 PeerDisconnected{LocalRequest}，之后不再自动打开；
// 物理连接不受影响。
func (s *Service) DisconnectPeer(peer types.PeerID) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	return s.agg.disconnectPeer(context.Background(), peer)
}

// Snapshot 返回聚合器状态快照
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := s.checkRunning(); err != nil {
		return Snapshot{}, err
	}
	return s.agg.snapshot(ctx)
}
