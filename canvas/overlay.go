package canvas

import (
	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// locally-applied-but-not-yet-confirmed shape state, shadowing the remote
// collection for rendering. An entry exists only while a local write has not
// yet been observed to be superseded by an equal-or-newer remote state.
//
// the overlay is exclusively owned by the session event loop and is not safe
// for concurrent use.
type OptimisticOverlay struct {
	sessionId string
	clock     *SessionClock

	// shape id -> pending local version
	entries map[Id]*Shape
}

func NewOptimisticOverlay(sessionId string, clock *SessionClock) *OptimisticOverlay {
	return &OptimisticOverlay{
		sessionId: sessionId,
		clock:     clock,
		entries:   map[Id]*Shape{},
	}
}

// merges a patch into the current visible state and stores the result as the
// pending entry with a freshly assigned local `UpdatedAt`
func (self *OptimisticOverlay) Apply(base *Shape, patch *ShapePatch) *Shape {
	pending := base.ApplyPatch(patch)
	pending.UpdatedAt = self.clock.Now()
	pending.UpdatedBy = self.sessionId
	self.entries[pending.ShapeId] = pending
	glog.V(2).Infof("[ov]apply %s at %d\n", pending.ShapeId, pending.UpdatedAt)
	return pending
}

// stores a fully formed local shape (create) as the pending entry
func (self *OptimisticOverlay) Put(shape *Shape) *Shape {
	pending := shape.Copy()
	pending.UpdatedAt = self.clock.Now()
	pending.UpdatedBy = self.sessionId
	self.entries[pending.ShapeId] = pending
	return pending
}

// called on every remote event for the id. If the remote state is
// equal-or-newer than the pending entry, the entry is removed: our write is
// confirmed, or a newer remote write supersedes it. Otherwise the entry is
// kept and continues to shadow the stale remote value.
// returns whether the overlay no longer shadows this id.
func (self *OptimisticOverlay) Resolve(shapeId Id, remote *Shape) bool {
	pending, ok := self.entries[shapeId]
	if !ok {
		return true
	}
	if RemoteSupersedes(remote, pending) {
		delete(self.entries, shapeId)
		glog.V(2).Infof("[ov]clear %s remote=%d pending=%d\n", shapeId, remote.UpdatedAt, pending.UpdatedAt)
		return true
	}
	return false
}

// drops the pending entry unconditionally (remote delete, revert)
func (self *OptimisticOverlay) Remove(shapeId Id) {
	delete(self.entries, shapeId)
}

func (self *OptimisticOverlay) Get(shapeId Id) (*Shape, bool) {
	pending, ok := self.entries[shapeId]
	return pending, ok
}

// overlay value if present, else the last known remote value
func (self *OptimisticOverlay) VisibleState(shapeId Id, remote *Shape) *Shape {
	if pending, ok := self.entries[shapeId]; ok {
		return pending
	}
	return remote
}

func (self *OptimisticOverlay) PendingIds() []Id {
	return maps.Keys(self.entries)
}

func (self *OptimisticOverlay) Len() int {
	return len(self.entries)
}
