package dispatch

import (
	"time"

	"github.com/ttbazaar/chatd/internal/model"
)

// dedupWindow is a short-lived set of recently-issued dedup keys. It guards
// against duplicate submissions from rapid repeated user action, not
// against server-side duplication. Expired entries are swept lazily on each
// use, so the window holds no timers and no background goroutine.
type dedupWindow struct {
	ttl     time.Duration
	order   []windowEntry // insertion order, oldest first
	expires map[model.DedupKey]time.Time

	now func() time.Time // test hook
}

type windowEntry struct {
	key    model.DedupKey
	expiry time.Time
}

func newDedupWindow(ttl time.Duration) *dedupWindow {
	return &dedupWindow{
		ttl:     ttl,
		expires: make(map[model.DedupKey]time.Time),
		now:     time.Now,
	}
}

// checkAndMark reports whether the key was issued within the window, and
// marks it if not. Callers must serialize access.
func (w *dedupWindow) checkAndMark(key model.DedupKey) bool {
	now := w.now()
	w.sweep(now)

	if expiry, ok := w.expires[key]; ok && now.Before(expiry) {
		return true
	}
	expiry := now.Add(w.ttl)
	w.expires[key] = expiry
	w.order = append(w.order, windowEntry{key: key, expiry: expiry})
	return false
}

// sweep drops expired entries from the front of the insertion order.
func (w *dedupWindow) sweep(now time.Time) {
	i := 0
	for ; i < len(w.order); i++ {
		e := w.order[i]
		if now.Before(e.expiry) {
			break
		}
		// Only delete if the map still holds this expiry; the key may
		// have been re-marked with a later one.
		if cur, ok := w.expires[e.key]; ok && !now.Before(cur) {
			delete(w.expires, e.key)
		}
	}
	w.order = w.order[i:]
}

func (w *dedupWindow) len() int {
	return len(w.expires)
}
