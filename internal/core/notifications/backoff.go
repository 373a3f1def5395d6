package notifications

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dep2p/go-notifications/config"
)

// pairBackoff 单个 (peer, protocol) 的退避状态
type pairBackoff struct {
	b     *backoff.ExponentialBackOff
	until time.Time

	// failures 连续握手失败次数，用于信誉阈值
	failures int
}

// backoffTable 按 (peer, protocol) 记录退避
//
// 用 LRU 限制容量；节点断开后记录仍保留，重连时退避继续生效。
type backoffTable struct {
	cfg   config.NotificationsConfig
	clock clock.Clock
	cache *lru.Cache[pairKey, *pairBackoff]
}

func newBackoffTable(cfg config.NotificationsConfig, clk clock.Clock) *backoffTable {
	cache, err := lru.New[pairKey, *pairBackoff](cfg.BackoffCacheSize)
	if err != nil {
		// 仅在容量非正时出错，配置校验已排除
		panic(err)
	}
	return &backoffTable{cfg: cfg, clock: clk, cache: cache}
}

func (t *backoffTable) entry(key pairKey) *pairBackoff {
	if e, ok := t.cache.Get(key); ok {
		return e
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.BackoffInitial.Duration()
	b.MaxInterval = t.cfg.BackoffMax.Duration()
	b.Multiplier = t.cfg.BackoffMultiplier
	b.MaxElapsedTime = 0
	b.Clock = t.clock
	b.Reset()

	e := &pairBackoff{b: b}
	t.cache.Add(key, e)
	return e
}

// fail 记录一次失败，返回下次可尝试的时间
func (t *backoffTable) fail(key pairKey, countFailure bool) (time.Time, int) {
	e := t.entry(key)
	e.until = t.clock.Now().Add(e.b.NextBackOff())
	if countFailure {
		e.failures++
	}
	return e.until, e.failures
}

// succeed 打开成功，清空退避
func (t *backoffTable) succeed(key pairKey) {
	if e, ok := t.cache.Peek(key); ok {
		e.b.Reset()
		e.until = time.Time{}
		e.failures = 0
	}
}

// eligibleAt 返回下次可尝试的时间，零值表示立即
func (t *backoffTable) eligibleAt(key pairKey) time.Time {
	if e, ok := t.cache.Peek(key); ok {
		return e.until
	}
	return time.Time{}
}

// inBackoff 当前是否处于退避窗口
func (t *backoffTable) inBackoff(key pairKey) bool {
	until := t.eligibleAt(key)
	return !until.IsZero() && t.clock.Now().Before(until)
}

// countFailure 只累计失败次数，不改变退避窗口
func (t *backoffTable) countFailure(key pairKey) int {
	e := t.entry(key)
	e.failures++
	return e.failures
}
