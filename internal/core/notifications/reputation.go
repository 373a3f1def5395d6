package notifications

import (
	"context"

	"github.com/gammazero/deque"

	pkgif "github.com/dep2p/go-notifications/pkg/interfaces"
	"github.com/dep2p/go-notifications/pkg/lib/log"
)

// reputationRelay 把违规信号转交信誉协作方
//
// 聚合器只做非阻塞投递；协作方处理得慢时信号在本地排队。
type reputationRelay struct {
	reporter pkgif.ReputationReporter
	in       chan pkgif.Violation
	pending  *deque.Deque[pkgif.Violation]
}

func newReputationRelay(r pkgif.ReputationReporter) *reputationRelay {
	if r == nil {
		r = pkgif.NopReputationReporter{}
	}
	return &reputationRelay{
		reporter: r,
		in:       make(chan pkgif.Violation, 16),
		pending:  deque.New[pkgif.Violation](),
	}
}

// report 由聚合器调用
func (r *reputationRelay) report(ctx context.Context, v pkgif.Violation) {
	logger.Debug("上报违规",
		"peer", log.TruncateID(string(v.Peer), 8),
		"protocol", v.Protocol,
		"kind", v.Kind,
		"count", v.Count)
	select {
	case r.in <- v:
	case <-ctx.Done():
	}
}

// run 接收信号并逐个交给协作方
//
// 接收和调用分离：reporter 阻塞期间新的信号进入 pending。
func (r *reputationRelay) run(ctx context.Context) error {
	work := make(chan pkgif.Violation)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := range work {
			r.reporter.ReportViolation(v)
		}
	}()
	defer func() {
		close(work)
		<-done
	}()

	for {
		var workCh chan pkgif.Violation
		var next pkgif.Violation
		if r.pending.Len() > 0 {
			workCh = work
			next = r.pending.Front()
		}
		select {
		case v := <-r.in:
			r.pending.PushBack(v)
		case workCh <- next:
			r.pending.PopFront()
		case <-ctx.Done():
			return nil
		}
	}
}
