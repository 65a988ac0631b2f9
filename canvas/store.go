package canvas

import (
	"context"
)

// thin facade over a replicated, subscribable document collection scoped per
// workspace. Implementations: `MemoryStore` (in-process, tests and sims) and
// `RemoteStore` (websocket client for canvasd).

type ShapeEventType string

const (
	ShapeEventAdded   ShapeEventType = "added"
	ShapeEventUpdated ShapeEventType = "updated"
	ShapeEventRemoved ShapeEventType = "removed"
	// end of the cold-start snapshot. The subscriber has now seen every
	// live document in the workspace
	ShapeEventSnapshotEnd ShapeEventType = "snapshot_end"
)

type ShapeEvent struct {
	Type    ShapeEventType
	ShapeId Id
	// nil for removed and snapshot_end
	Shape *Shape
	// removal timestamp for removed events
	UpdateTime UpdateTime
}

// cancellable event stream with an explicit unsubscribe handle, so the
// subscriber's lifecycle is tied to a resource scope rather than implicit
// listener retention
type ShapeSubscription struct {
	events chan *ShapeEvent
	cancel context.CancelFunc
}

func newShapeSubscription(cancel context.CancelFunc, bufferSize int) *ShapeSubscription {
	return &ShapeSubscription{
		events: make(chan *ShapeEvent, bufferSize),
		cancel: cancel,
	}
}

// closed on unsubscribe or on total subscription loss
func (self *ShapeSubscription) Events() <-chan *ShapeEvent {
	return self.events
}

func (self *ShapeSubscription) Close() {
	self.cancel()
}

type ShapeStore interface {
	// streams a cold-start full snapshot as added events, then
	// snapshot_end, then live events. Every event for the same shape id is
	// delivered in increasing `UpdatedAt` order.
	// fails with `ErrUnavailable`; the caller retries with backoff
	SubscribeShapes(ctx context.Context, scope *SessionScope) (*ShapeSubscription, error)
	// persists a full-document replacement and broadcasts it to every
	// active subscriber in the workspace. A write losing conflict
	// resolution is dropped silently.
	// fails with `ErrPermissionDenied` or `ErrUnavailable`
	WriteShape(ctx context.Context, scope *SessionScope, shape *Shape) error
	// removes the document. Delete wins over any concurrent edit
	RemoveShape(ctx context.Context, scope *SessionScope, shapeId Id, updateTime UpdateTime) error
}

type PresenceEventType string

const (
	PresenceEventPut     PresenceEventType = "put"
	PresenceEventRemoved PresenceEventType = "removed"
)

type PresenceEvent struct {
	Type   PresenceEventType
	UserId Id
	Kind   PresenceKind
	// nil for removed
	Record *PresenceRecord
}

type PresenceSubscription struct {
	events chan *PresenceEvent
	cancel context.CancelFunc
}

func newPresenceSubscription(cancel context.CancelFunc, bufferSize int) *PresenceSubscription {
	return &PresenceSubscription{
		events: make(chan *PresenceEvent, bufferSize),
		cancel: cancel,
	}
}

func (self *PresenceSubscription) Events() <-chan *PresenceEvent {
	return self.events
}

func (self *PresenceSubscription) Close() {
	self.cancel()
}

// the ephemeral store tier. Each user exclusively owns their own record keys,
// so there is no contention and no conflict resolution
type PresenceStore interface {
	SubscribePresence(ctx context.Context, scope *SessionScope) (*PresenceSubscription, error)
	// overwrites the caller's record for the record's kind
	PublishPresence(ctx context.Context, scope *SessionScope, record *PresenceRecord) error
	// explicit removal on graceful disconnect
	RemovePresence(ctx context.Context, scope *SessionScope, kind PresenceKind) error
}
