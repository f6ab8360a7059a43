package slackbot

import (
	"sync"
	"time"

	"github.com/huluohu/chatgpt-slackbot/internal/chatgpt"
	"github.com/huluohu/chatgpt-slackbot/internal/logging"
)

// updateQuiescence is how long the stream must go quiet before the pending
// partial is flushed to the edit API. Keeps edit traffic bounded while the
// backend is emitting tokens rapidly.
const updateQuiescence = 400 * time.Millisecond

// editFunc applies one partial answer to the reply message.
type editFunc func(answer chatgpt.Answer) error

// updateScheduler coalesces a burst of streaming partials into trailing-edge
// edits: each Update supersedes the pending one and restarts the quiescence
// timer, so only the latest partial in a burst reaches the API.
type updateScheduler struct {
	edit   editFunc
	delay  time.Duration
	logger logging.Logger

	// sendMu serializes edit calls so overlapping flushes cannot reorder and
	// Stop can wait out an in-flight edit.
	sendMu sync.Mutex

	mu      sync.Mutex
	pending chatgpt.Answer
	dirty   bool
	timer   *time.Timer
	closed  bool
}

func newUpdateScheduler(edit editFunc, logger logging.Logger) *updateScheduler {
	return &updateScheduler{
		edit:   edit,
		delay:  updateQuiescence,
		logger: logging.OrNop(logger),
	}
}

// Update records the latest partial and (re)arms the quiescence timer.
func (u *updateScheduler) Update(answer chatgpt.Answer) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	u.pending = answer
	u.dirty = true
	if u.timer != nil {
		u.timer.Stop()
	}
	u.timer = time.AfterFunc(u.delay, u.flush)
}

func (u *updateScheduler) flush() {
	u.sendMu.Lock()
	defer u.sendMu.Unlock()

	u.mu.Lock()
	if !u.dirty || u.closed {
		u.mu.Unlock()
		return
	}
	answer := u.pending
	u.dirty = false
	u.mu.Unlock()

	// Partial edits order-preserve: each flush carries the newest snapshot,
	// and a failed edit is logged, not fatal to the turn.
	if err := u.edit(answer); err != nil {
		u.logger.Warn("streaming edit failed: %v", err)
	}
}

// Stop ends scheduling and drops any pending partial. The caller issues the
// terminal edit (final text or error notice) itself, which supersedes the
// pending partial; Stop does not return while an edit is in flight, so no
// stale partial lands after it.
func (u *updateScheduler) Stop() {
	u.mu.Lock()
	u.closed = true
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
	u.dirty = false
	u.mu.Unlock()

	// Block until any edit already past the closed check has finished.
	u.sendMu.Lock()
	u.sendMu.Unlock()
}
