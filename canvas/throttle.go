package canvas

import (
	"time"

	"github.com/golang/glog"
)

type WriteThrottlerSettings struct {
	// trailing debounce window per shape id. Each new schedule inside the
	// window replaces the pending payload and resets the window
	DebounceTimeout time.Duration
	// maximum-wait ceiling. Forces a flush under continuous rapid edits so
	// no shape id starves
	CoalesceTimeout time.Duration
}

func DefaultWriteThrottlerSettings() *WriteThrottlerSettings {
	return &WriteThrottlerSettings{
		DebounceTimeout: 50 * time.Millisecond,
		CoalesceTimeout: 200 * time.Millisecond,
	}
}

type pendingWrite struct {
	shape *Shape

	firstScheduleTime time.Time
	lastScheduleTime  time.Time

	// retry attempts already made for this id, carried across reschedules
	attempt int
}

func (self *pendingWrite) flushTime(settings *WriteThrottlerSettings) time.Time {
	debounceTime := self.lastScheduleTime.Add(settings.DebounceTimeout)
	ceilingTime := self.firstScheduleTime.Add(settings.CoalesceTimeout)
	if ceilingTime.Before(debounceTime) {
		return ceilingTime
	}
	return debounceTime
}

// coalesces bursts of local mutations per shape into bounded-rate writes.
// on flush exactly one write per id is issued reflecting the latest
// scheduled state at flush time.
//
// the throttler is exclusively owned by the session event loop and is not
// safe for concurrent use. The loop drives it with explicit times so tests
// are deterministic.
type WriteThrottler struct {
	settings *WriteThrottlerSettings

	// shape id -> latest desired state
	pending map[Id]*pendingWrite
}

func NewWriteThrottlerWithDefaults() *WriteThrottler {
	return NewWriteThrottler(DefaultWriteThrottlerSettings())
}

func NewWriteThrottler(settings *WriteThrottlerSettings) *WriteThrottler {
	return &WriteThrottler{
		settings: settings,
		pending:  map[Id]*pendingWrite{},
	}
}

func (self *WriteThrottler) Schedule(shape *Shape) {
	self.schedule(shape, time.Now())
}

func (self *WriteThrottler) schedule(shape *Shape, now time.Time) {
	if write, ok := self.pending[shape.ShapeId]; ok {
		// coalesce. The window resets but the ceiling is anchored at the
		// first schedule time
		write.shape = shape
		write.lastScheduleTime = now
		return
	}
	self.pending[shape.ShapeId] = &pendingWrite{
		shape:             shape,
		firstScheduleTime: now,
		lastScheduleTime:  now,
	}
}

// re-arms a write that failed with a transient error, delaying the next
// flush by `retryTimeout` past now
func (self *WriteThrottler) Reschedule(shape *Shape, attempt int, retryTimeout time.Duration) {
	self.reschedule(shape, attempt, retryTimeout, time.Now())
}

func (self *WriteThrottler) reschedule(shape *Shape, attempt int, retryTimeout time.Duration, now time.Time) {
	if write, ok := self.pending[shape.ShapeId]; ok {
		// a newer local edit was scheduled while the write was in flight.
		// keep the newer payload, carry the attempt count
		if write.attempt < attempt {
			write.attempt = attempt
		}
		return
	}
	// anchor both times so the entry flushes at exactly now+retryTimeout,
	// past both the window and the ceiling
	self.pending[shape.ShapeId] = &pendingWrite{
		shape:             shape,
		firstScheduleTime: now.Add(retryTimeout - self.settings.CoalesceTimeout),
		lastScheduleTime:  now.Add(retryTimeout - self.settings.DebounceTimeout),
		attempt:           attempt,
	}
}

// drops the pending write for an id, e.g. when a remote delete arrived
// first and the write is known to be obsolete
func (self *WriteThrottler) Cancel(shapeId Id) bool {
	if _, ok := self.pending[shapeId]; ok {
		delete(self.pending, shapeId)
		glog.V(2).Infof("[th]cancel %s\n", shapeId)
		return true
	}
	return false
}

// earliest time any pending write becomes due. ok is false when idle
func (self *WriteThrottler) NextFlushTime(now time.Time) (flushTime time.Time, ok bool) {
	for _, write := range self.pending {
		t := write.flushTime(self.settings)
		if t.Before(now) {
			t = now
		}
		if !ok || t.Before(flushTime) {
			flushTime = t
			ok = true
		}
	}
	return
}

type flushedWrite struct {
	shape   *Shape
	attempt int
}

// removes and returns every pending write that is due at `now`
func (self *WriteThrottler) flushDue(now time.Time) []*flushedWrite {
	flushed := []*flushedWrite{}
	for shapeId, write := range self.pending {
		if write.flushTime(self.settings).After(now) {
			continue
		}
		delete(self.pending, shapeId)
		flushed = append(flushed, &flushedWrite{
			shape:   write.shape,
			attempt: write.attempt,
		})
		glog.V(2).Infof("[th]flush %s at %d\n", shapeId, write.shape.UpdatedAt)
	}
	return flushed
}

func (self *WriteThrottler) PendingCount() int {
	return len(self.pending)
}
