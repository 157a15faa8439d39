package taskconcierge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var (
	// UserWorkerSendTimeout is how long to wait for an idle worker to
	// accept a mention
	UserWorkerSendTimeout = time.Second

	workerStopTimeout = 5 * time.Second
)

// workerLimiter tracks when a worker last handled a mention, to
// determine when it's idle and can be stopped
type workerLimiter struct {
	// IdleTimeout is the duration after which a worker is considered 'idle'
	IdleTimeout time.Duration

	// LastCommandAt is the last time a mention was handled for the
	// lifetime of this worker. If LastCommandAt+IdleTimeout is in the past,
	// the worker is considered idle and can be stopped.
	LastCommandAt time.Time

	mu sync.Mutex
}

func newWorkerLimiter(idleTimeout time.Duration) *workerLimiter {
	return &workerLimiter{IdleTimeout: idleTimeout}
}

// Expired returns when the worker expires, and whether that's already
// passed
func (w *workerLimiter) Expired() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	expiresAt := w.LastCommandAt.Add(w.IdleTimeout)
	return expiresAt, time.Now().After(expiresAt)
}

func (w *workerLimiter) SetLastCommand(ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.LastCommandAt = ts
}

// mentionRequest is a mention of the bot, with the mention tokens
// already stripped from the command
type mentionRequest struct {
	message *discordgo.Message
	command string
}

// userMentionWorker handles mentions for a single user, one at a time.
// Mentions received while one is in progress are rejected.
type userMentionWorker struct {
	userID string

	// mentionCh is unbuffered, so a send only succeeds when the worker
	// is idle and waiting
	mentionCh chan *mentionRequest

	busy atomic.Bool

	// signalStop is a channel for sending a stop signal to the worker
	signalStop chan struct{}

	// stopped receives the time the worker stopped
	stopped chan time.Time

	// done is closed when Run returns
	done chan struct{}

	limiter *workerLimiter

	// idleTimeoutCheckInterval is the interval at which the worker checks
	// whether it has been idle for longer than the idle timeout
	idleTimeoutCheckInterval time.Duration

	handle func(ctx context.Context, req *mentionRequest)
}

func newUserWorker(
	userID string,
	idleTimeout time.Duration,
	handle func(ctx context.Context, req *mentionRequest),
) *userMentionWorker {
	checkInterval := time.Minute
	if idleTimeout < checkInterval {
		checkInterval = idleTimeout
	}
	return &userMentionWorker{
		userID:                   userID,
		mentionCh:                make(chan *mentionRequest),
		signalStop:               make(chan struct{}, 1),
		stopped:                  make(chan time.Time, 1),
		done:                     make(chan struct{}),
		limiter:                  newWorkerLimiter(idleTimeout),
		idleTimeoutCheckInterval: checkInterval,
		handle:                   handle,
	}
}

// submit hands the mention to the worker. Returns ErrWorkerBusy if the
// worker is handling another mention. errWorkerStopped is returned if
// the worker exited before accepting it.
func (u *userMentionWorker) submit(req *mentionRequest) error {
	if u.busy.Load() {
		return ErrWorkerBusy
	}
	timer := time.NewTimer(UserWorkerSendTimeout)
	defer timer.Stop()

	select {
	case u.mentionCh <- req:
		return nil
	case <-u.done:
		return errWorkerStopped
	case <-timer.C:
		return ErrWorkerBusy
	}
}

// Run starts the worker. To stop it, cancel the context or send a signal
// on signalStop. Otherwise, it exits on its own once it's been idle for
// longer than the limiter's idle timeout.
func (u *userMentionWorker) Run(
	ctx context.Context,
	startCh chan struct{},
) {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = slog.Default()
	}
	log = log.With(slog.Group("user", "id", u.userID))
	ctx = WithLogger(ctx, log)

	defer close(u.done)
	defer func() {
		stopSignalCtx, stopSignalCancel := context.WithTimeout(
			context.Background(),
			workerStopTimeout,
		)
		defer stopSignalCancel()
		select {
		case u.stopped <- time.Now():
			log.Debug("sent stop notification")
		case <-stopSignalCtx.Done():
			log.Warn("timed out sending stop signal")
		}
	}()

	log.InfoContext(ctx, "starting user worker")
	startedAt := time.Now()
	ticker := time.NewTicker(u.idleTimeoutCheckInterval)

	defer func() {
		ticker.Stop()
		endedAt := time.Now()
		log.InfoContext(
			ctx,
			"stopped user worker",
			"stopped_at", endedAt,
			"runtime", endedAt.Sub(startedAt),
		)
	}()

	startCh <- struct{}{}
	close(startCh)

	u.limiter.SetLastCommand(time.Now())
	for {
		select {
		case <-ctx.Done():
			log.WarnContext(ctx, "context canceled")
			return
		case <-u.signalStop:
			log.WarnContext(ctx, "got stop signal")
			return
		case <-ticker.C:
			expiresAt, isExpired := u.limiter.Expired()
			if isExpired {
				log.InfoContext(
					ctx,
					"no mentions seen, stopping worker",
					"idle_timeout", u.limiter.IdleTimeout,
					"worker_expired", expiresAt,
				)
				return
			}
			log.DebugContext(
				ctx,
				fmt.Sprintf(
					"worker expires in: %s",
					time.Until(expiresAt).Round(time.Second).String(),
				),
			)
		case req := <-u.mentionCh:
			u.handleMention(ctx, log, req)
			u.limiter.SetLastCommand(time.Now())
			ticker.Reset(u.idleTimeoutCheckInterval)
		}
	}
}

// handleMention runs the handler, recovering from any panic so the
// worker keeps running
func (u *userMentionWorker) handleMention(
	ctx context.Context,
	log *slog.Logger,
	req *mentionRequest,
) {
	u.busy.Store(true)
	defer u.busy.Store(false)
	u.limiter.SetLastCommand(time.Now())

	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(
				ctx,
				"panic handling mention",
				tint.Err(fmt.Errorf("%v", r)),
			)
		}
	}()
	u.handle(ctx, req)
}
