package taskconcierge

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

type replyKey struct {
	channelID string
	userID    string
}

// replyWaiter receives the next message from one user in one channel
type replyWaiter struct {
	key    replyKey
	ch     chan string
	router *replyRouter
}

// wait blocks until a reply is received, the timeout elapses (returning
// ErrReplyTimeout), or ctx is done. The waiter is unregistered on return.
func (w *replyWaiter) wait(ctx context.Context, timeout time.Duration) (
	string,
	error,
) {
	defer w.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case content := <-w.ch:
		return content, nil
	case <-timer.C:
		return "", ErrReplyTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (w *replyWaiter) cancel() {
	w.router.remove(w)
}

// replyRouter hands incoming messages to goroutines waiting on a reply
// from a specific user in a specific channel. Only one waiter may be
// registered per (channel, user); a new registration replaces the old one.
type replyRouter struct {
	mu      sync.Mutex
	waiters map[replyKey]*replyWaiter
}

func newReplyRouter() *replyRouter {
	return &replyRouter{waiters: map[replyKey]*replyWaiter{}}
}

// expect registers a waiter for the next message from userID in
// channelID. Register before sending a prompt, so a fast reply
// isn't missed.
func (r *replyRouter) expect(channelID string, userID string) *replyWaiter {
	w := &replyWaiter{
		key:    replyKey{channelID: channelID, userID: userID},
		ch:     make(chan string, 1),
		router: r,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiters[w.key] = w
	return w
}

func (r *replyRouter) remove(w *replyWaiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.waiters[w.key]; ok && current == w {
		delete(r.waiters, w.key)
	}
}

// offer delivers the message to a registered waiter, returning true if
// the message was consumed.
func (r *replyRouter) offer(m *discordgo.Message) bool {
	if m == nil || m.Author == nil {
		return false
	}
	key := replyKey{channelID: m.ChannelID, userID: m.Author.ID}

	r.mu.Lock()
	w, ok := r.waiters[key]
	if ok {
		delete(r.waiters, key)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	select {
	case w.ch <- strings.TrimSpace(m.Content):
		return true
	default:
		return false
	}
}

// AwaitReply waits for the next message from userID in channelID.
func (r *replyRouter) AwaitReply(
	ctx context.Context,
	channelID string,
	userID string,
	timeout time.Duration,
) (string, error) {
	return r.expect(channelID, userID).wait(ctx, timeout)
}

// pending returns the number of registered waiters
func (r *replyRouter) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
