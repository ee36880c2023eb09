package forwarder

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagernet/sing-egress/adapter"
	"github.com/sagernet/sing/common/bufio"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	N "github.com/sagernet/sing/common/network"
)

var (
	ErrIdleTimeout   = E.New("idle timeout")
	ErrDurationLimit = E.New("duration limit exceeded")
)

type Limits struct {
	IdleTimeout time.Duration
	MaxDuration time.Duration
}

// Counters are live per-direction byte totals, safe to read while the pump is
// running. Upload is client to server.
type Counters struct {
	Upload   atomic.Int64
	Download atomic.Int64
}

type Stats struct {
	Upload   int64
	Download int64
	Duration time.Duration
}

// Pump relays bytes between both connections until each direction has drained
// or something failed. A clean EOF on one side propagates as a write shutdown
// to the peer so the opposite direction can finish draining; errors and fired
// limits tear down both connections at once. Both connections are closed by
// the time Pump returns, and the returned error is the first failure observed.
func Pump(ctx context.Context, logger logger.ContextLogger, client net.Conn, server net.Conn, counters *Counters, limits Limits) (Stats, error) {
	if counters == nil {
		counters = new(Counters)
	}
	startedAt := time.Now()
	p := &pump{
		logger:   logger,
		client:   client,
		server:   server,
		counters: counters,
	}
	p.lastActivity.Store(startedAt.UnixNano())
	defer client.Close()
	defer server.Close()

	watchStop := make(chan struct{})
	watchDone := make(chan struct{})
	go p.watch(ctx, limits, watchStop, watchDone)

	var group sync.WaitGroup
	group.Add(2)
	go func() {
		defer group.Done()
		p.copy(ctx, client, server, false)
	}()
	go func() {
		defer group.Done()
		p.copy(ctx, server, client, true)
	}()
	group.Wait()
	// The watcher writes p.err through fail, so it must be joined before
	// the read below.
	close(watchStop)
	<-watchDone
	return Stats{
		Upload:   counters.Upload.Load(),
		Download: counters.Download.Load(),
		Duration: time.Since(startedAt),
	}, p.err
}

type pump struct {
	logger       logger.ContextLogger
	client       net.Conn
	server       net.Conn
	counters     *Counters
	lastActivity atomic.Int64
	errOnce      sync.Once
	err          error
}

func (p *pump) copy(ctx context.Context, source net.Conn, destination net.Conn, download bool) {
	var counter N.CountFunc
	if download {
		counter = func(n int64) {
			p.counters.Download.Add(n)
			p.lastActivity.Store(time.Now().UnixNano())
		}
	} else {
		counter = func(n int64) {
			p.counters.Upload.Add(n)
			p.lastActivity.Store(time.Now().UnixNano())
		}
	}
	_, err := bufio.CopyWithCounters(destination, source, source, nil, []N.CountFunc{counter}, bufio.DefaultIncreaseBufferAfter, bufio.DefaultBatchSize)
	if err != nil {
		if download {
			p.fail(adapter.MarkError(adapter.KindServerIO, err))
		} else {
			p.fail(adapter.MarkError(adapter.KindClientIO, err))
		}
		if !download {
			if E.IsClosedOrCanceled(err) {
				p.logger.TraceContext(ctx, "connection upload closed")
			} else {
				p.logger.ErrorContext(ctx, "connection upload closed: ", err)
			}
		} else {
			if E.IsClosedOrCanceled(err) {
				p.logger.TraceContext(ctx, "connection download closed")
			} else {
				p.logger.ErrorContext(ctx, "connection download closed: ", err)
			}
		}
		return
	}
	if duplexDst, isDuplex := destination.(N.WriteCloser); isDuplex {
		err = duplexDst.CloseWrite()
		if err != nil {
			p.fail(err)
			return
		}
	} else {
		destination.Close()
	}
	if !download {
		p.logger.DebugContext(ctx, "connection upload finished")
	} else {
		p.logger.DebugContext(ctx, "connection download finished")
	}
}

// fail records the first error and tears both sides down so the peer copy
// unblocks promptly.
func (p *pump) fail(err error) {
	p.errOnce.Do(func() {
		p.err = err
	})
	p.client.Close()
	p.server.Close()
}

func (p *pump) watch(ctx context.Context, limits Limits, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	var durationLimit <-chan time.Time
	if limits.MaxDuration > 0 {
		durationTimer := time.NewTimer(limits.MaxDuration)
		defer durationTimer.Stop()
		durationLimit = durationTimer.C
	}
	var idleTimer *time.Timer
	var idleLimit <-chan time.Time
	if limits.IdleTimeout > 0 {
		idleTimer = time.NewTimer(limits.IdleTimeout)
		defer idleTimer.Stop()
		idleLimit = idleTimer.C
	}
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			p.fail(ctx.Err())
			return
		case <-durationLimit:
			p.fail(ErrDurationLimit)
			return
		case <-idleLimit:
			idle := time.Since(time.Unix(0, p.lastActivity.Load()))
			if idle >= limits.IdleTimeout {
				p.fail(ErrIdleTimeout)
				return
			}
			idleTimer.Reset(limits.IdleTimeout - idle)
		}
	}
}
