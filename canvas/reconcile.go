package canvas

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
)

type SyncSettings struct {
	WriteThrottlerSettings *WriteThrottlerSettings

	// initial retry delay for writes that fail with `ErrUnavailable`.
	// doubles per attempt
	WriteRetryTimeout time.Duration
	// total attempts before the edit is reverted and surfaced
	MaxWriteAttempts int

	ResubscribeMinTimeout time.Duration
	ResubscribeMaxTimeout time.Duration

	IntentBufferSize int
}

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		WriteThrottlerSettings: DefaultWriteThrottlerSettings(),
		WriteRetryTimeout:      500 * time.Millisecond,
		MaxWriteAttempts:       5,
		ResubscribeMinTimeout:  500 * time.Millisecond,
		ResubscribeMaxTimeout:  15 * time.Second,
		IntentBufferSize:       128,
	}
}

// one incremental change to the canonical visible shape set
type CanvasUpdate struct {
	ShapeId Id
	// nil when the shape is no longer visible
	Shape *Shape
}

type UpdateFunction func(update *CanvasUpdate)

// surfaced write failures: rejected (`ErrPermissionDenied`) or exhausted
// retries (`ErrUnavailable`). The edit has already been reverted
type SyncErrorFunction func(shapeId Id, err error)

type mutationIntent struct {
	create  *Shape
	shapeId Id
	patch   *ShapePatch
	remove  bool
}

type writeResult struct {
	shape   *Shape
	shapeId Id
	remove  bool
	attempt int
	err     error
}

// top-level coordinator for one workspace connection. Subscribes to the
// shape store, merges remote events with the optimistic overlay via conflict
// resolution, and emits the canonical visible shape stream consumed by
// rendering.
//
// all overlay, throttler, and reconciliation state is mutated only on the
// single `run` goroutine. The canonical map is additionally guarded by
// `stateLock` for reads from other goroutines.
type SyncSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	scope    *SessionScope
	store    ShapeStore
	settings *SyncSettings

	clock     *SessionClock
	overlay   *OptimisticOverlay
	throttler *WriteThrottler

	// last applied remote version per shape id
	remotes map[Id]*Shape
	// local and remote removal timestamps per shape id
	removeTimes map[Id]UpdateTime

	inSnapshot  bool
	snapshotIds map[Id]bool

	intents      chan *mutationIntent
	writeResults chan *writeResult

	stateLock sync.Mutex
	canonical map[Id]*Shape
	offline   bool

	updateCallbacks *CallbackList[UpdateFunction]
	errorCallbacks  *CallbackList[SyncErrorFunction]
}

func NewSyncSessionWithDefaults(ctx context.Context, scope *SessionScope, store ShapeStore) *SyncSession {
	return NewSyncSession(ctx, scope, store, DefaultSyncSettings())
}

func NewSyncSession(ctx context.Context, scope *SessionScope, store ShapeStore, settings *SyncSettings) *SyncSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	clock := NewSessionClock()
	session := &SyncSession{
		ctx:             cancelCtx,
		cancel:          cancel,
		scope:           scope,
		store:           store,
		settings:        settings,
		clock:           clock,
		overlay:         NewOptimisticOverlay(scope.SessionId, clock),
		throttler:       NewWriteThrottler(settings.WriteThrottlerSettings),
		remotes:         map[Id]*Shape{},
		removeTimes:     map[Id]UpdateTime{},
		intents:         make(chan *mutationIntent, settings.IntentBufferSize),
		writeResults:    make(chan *writeResult, settings.IntentBufferSize),
		canonical:       map[Id]*Shape{},
		updateCallbacks: NewCallbackList[UpdateFunction](),
		errorCallbacks:  NewCallbackList[SyncErrorFunction](),
	}
	go session.run()
	return session
}

func (self *SyncSession) Scope() *SessionScope {
	return self.scope
}

// mutation intents from the rendering/interaction collaborator

// returns the id of the shape that will be created. The shape is visible
// immediately via the overlay
func (self *SyncSession) CreateShape(kind ShapeKind, patch *ShapePatch) (Id, error) {
	shape := &Shape{
		ShapeId:     NewId(),
		WorkspaceId: self.scope.WorkspaceId,
		Kind:        kind,
		CreatedBy:   self.scope.UserId,
		CreatedAt:   NowUpdateTime(),
	}
	if patch != nil {
		shape = shape.ApplyPatch(patch)
	}
	if err := shape.Validate(); err != nil {
		return Id{}, err
	}
	self.postIntent(&mutationIntent{
		create:  shape,
		shapeId: shape.ShapeId,
	})
	return shape.ShapeId, nil
}

func (self *SyncSession) UpdateShape(shapeId Id, patch *ShapePatch) {
	self.postIntent(&mutationIntent{
		shapeId: shapeId,
		patch:   patch,
	})
}

func (self *SyncSession) MoveShape(shapeId Id, x float64, y float64) {
	self.UpdateShape(shapeId, &ShapePatch{
		X: &x,
		Y: &y,
	})
}

// geometry-only patch
func (self *SyncSession) ResizeShape(shapeId Id, patch *ShapePatch) {
	self.UpdateShape(shapeId, &ShapePatch{
		Width:    patch.Width,
		Height:   patch.Height,
		Radius:   patch.Radius,
		X2:       patch.X2,
		Y2:       patch.Y2,
		TextSize: patch.TextSize,
	})
}

// style-only patch
func (self *SyncSession) RestyleShape(shapeId Id, patch *ShapePatch) {
	self.UpdateShape(shapeId, &ShapePatch{
		Fill:        patch.Fill,
		StrokeColor: patch.StrokeColor,
		StrokeWidth: patch.StrokeWidth,
		Rotation:    patch.Rotation,
		ZIndex:      patch.ZIndex,
	})
}

func (self *SyncSession) DeleteShape(shapeId Id) {
	self.postIntent(&mutationIntent{
		shapeId: shapeId,
		remove:  true,
	})
}

func (self *SyncSession) postIntent(intent *mutationIntent) {
	select {
	case self.intents <- intent:
	case <-self.ctx.Done():
	}
}

// the canonical visible shape set

func (self *SyncSession) VisibleShape(shapeId Id) *Shape {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if shape, ok := self.canonical[shapeId]; ok {
		return shape.Copy()
	}
	return nil
}

// ordered by z index then id for deterministic rendering
func (self *SyncSession) VisibleShapes() []*Shape {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	shapes := make([]*Shape, 0, len(self.canonical))
	for _, shape := range self.canonical {
		shapes = append(shapes, shape.Copy())
	}
	sort.Slice(shapes, func(i int, j int) bool {
		if shapes[i].ZIndex != shapes[j].ZIndex {
			return shapes[i].ZIndex < shapes[j].ZIndex
		}
		return shapes[i].ShapeId.String() < shapes[j].ShapeId.String()
	})
	return shapes
}

// whether the session has lost its subscription and the canonical set is
// frozen at its last known state
func (self *SyncSession) Offline() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.offline
}

func (self *SyncSession) setOffline(offline bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.offline = offline
}

func (self *SyncSession) AddUpdateCallback(updateCallback UpdateFunction) int {
	return self.updateCallbacks.Add(updateCallback)
}

func (self *SyncSession) RemoveUpdateCallback(callbackId int) {
	self.updateCallbacks.Remove(callbackId)
}

func (self *SyncSession) AddErrorCallback(errorCallback SyncErrorFunction) int {
	return self.errorCallbacks.Add(errorCallback)
}

func (self *SyncSession) RemoveErrorCallback(callbackId int) {
	self.errorCallbacks.Remove(callbackId)
}

func (self *SyncSession) Close() {
	self.cancel()
}

// the single cooperative loop. All store operations are asynchronous and
// their effects resume here

func (self *SyncSession) run() {
	var sub *ShapeSubscription
	var subEvents <-chan *ShapeEvent
	var resubC <-chan time.Time
	resubscribe := NewExpandingReconnect(self.settings.ResubscribeMinTimeout, self.settings.ResubscribeMaxTimeout)

	trySubscribe := func() {
		s, err := self.store.SubscribeShapes(self.ctx, self.scope)
		if err != nil {
			glog.Infof("[rc]%s subscribe error = %s\n", self.scope.SessionId, err)
			self.setOffline(true)
			resubC = resubscribe.After()
			return
		}
		sub = s
		subEvents = s.Events()
		resubscribe.Reset()
		self.setOffline(false)
		self.inSnapshot = true
		self.snapshotIds = map[Id]bool{}
	}

	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()

	trySubscribe()

	for {
		var flushC <-chan time.Time
		now := time.Now()
		if flushTime, ok := self.throttler.NextFlushTime(now); ok {
			flushC = time.After(flushTime.Sub(now))
		}

		select {
		case <-self.ctx.Done():
			return
		case <-resubC:
			resubC = nil
			trySubscribe()
		case event, ok := <-subEvents:
			if !ok {
				// total subscription loss. Freeze the canonical set and
				// retry with backoff
				glog.Infof("[rc]%s subscription lost\n", self.scope.SessionId)
				sub = nil
				subEvents = nil
				self.setOffline(true)
				resubC = resubscribe.After()
				continue
			}
			self.applyRemoteEvent(event)
		case intent := <-self.intents:
			self.applyIntent(intent)
		case result := <-self.writeResults:
			self.handleWriteResult(result)
		case <-flushC:
			for _, write := range self.throttler.flushDue(time.Now()) {
				go self.writeShape(write.shape, write.attempt)
			}
		}
	}
}

func (self *SyncSession) applyRemoteEvent(event *ShapeEvent) {
	switch event.Type {
	case ShapeEventSnapshotEnd:
		if self.snapshotIds == nil {
			// a replayed end marker outside our own snapshot cycle, e.g.
			// the server re-streaming for another subscriber on the same
			// connection. Nothing to prune against
			glog.V(1).Infof("[rc]%s stray snapshot end\n", self.scope.SessionId)
			return
		}
		self.inSnapshot = false
		// the snapshot is the full authoritative set. Anything we still
		// hold that it does not contain was deleted while we were away
		for shapeId := range self.remotes {
			if !self.snapshotIds[shapeId] {
				glog.V(1).Infof("[rc]%s pruned %s\n", self.scope.SessionId, shapeId)
				delete(self.remotes, shapeId)
				self.overlay.Remove(shapeId)
				self.throttler.Cancel(shapeId)
				self.updateVisible(shapeId)
			}
		}
		self.snapshotIds = nil
	case ShapeEventRemoved:
		// delete wins over any pending edit. There is nothing to
		// reconcile against
		self.clock.Observe(event.UpdateTime)
		if removeTime, ok := self.removeTimes[event.ShapeId]; !ok || removeTime < event.UpdateTime {
			self.removeTimes[event.ShapeId] = event.UpdateTime
		}
		delete(self.remotes, event.ShapeId)
		self.overlay.Remove(event.ShapeId)
		self.throttler.Cancel(event.ShapeId)
		self.updateVisible(event.ShapeId)
	case ShapeEventAdded, ShapeEventUpdated:
		shape := event.Shape
		if shape == nil {
			return
		}
		if err := shape.Validate(); err != nil {
			// dropped from the visible set, never propagated as a crash
			glog.Infof("[rc]%s dropped record %s = %s\n", self.scope.SessionId, event.ShapeId, err)
			return
		}
		if self.inSnapshot {
			self.snapshotIds[shape.ShapeId] = true
		}
		if applied, ok := self.remotes[shape.ShapeId]; ok {
			if shape.UpdatedAt < applied.UpdatedAt {
				// out-of-order delivery for this id. Reject older than
				// currently-applied state
				glog.V(1).Infof("[rc]%s out of order %s %d < %d\n", self.scope.SessionId, shape.ShapeId, shape.UpdatedAt, applied.UpdatedAt)
				return
			}
			if shape.UpdatedAt == applied.UpdatedAt && shape.UpdatedBy == applied.UpdatedBy {
				// duplicate delivery, idempotent
				return
			}
		}
		if removeTime, ok := self.removeTimes[shape.ShapeId]; ok && shape.UpdatedAt <= removeTime {
			// delete wins unless the write strictly supersedes it
			return
		}
		self.clock.Observe(shape.UpdatedAt)
		self.remotes[shape.ShapeId] = shape
		self.overlay.Resolve(shape.ShapeId, shape)
		self.updateVisible(shape.ShapeId)
	}
}

func (self *SyncSession) applyIntent(intent *mutationIntent) {
	if intent.remove {
		removeTime := self.clock.Now()
		if lastRemoveTime, ok := self.removeTimes[intent.shapeId]; !ok || lastRemoveTime < removeTime {
			self.removeTimes[intent.shapeId] = removeTime
		}
		delete(self.remotes, intent.shapeId)
		self.overlay.Remove(intent.shapeId)
		self.throttler.Cancel(intent.shapeId)
		self.updateVisible(intent.shapeId)
		go self.writeRemove(intent.shapeId, removeTime)
		return
	}

	if intent.create != nil {
		pending := self.overlay.Put(intent.create)
		self.throttler.Schedule(pending)
		self.updateVisible(pending.ShapeId)
		return
	}

	base := self.overlay.VisibleState(intent.shapeId, self.remotes[intent.shapeId])
	if base == nil {
		// edit to a shape that no longer exists, e.g. deleted remotely
		// while the pointer was down
		glog.V(1).Infof("[rc]%s edit to unknown %s\n", self.scope.SessionId, intent.shapeId)
		return
	}
	pending := self.overlay.Apply(base, intent.patch)
	self.throttler.Schedule(pending)
	self.updateVisible(intent.shapeId)
}

func (self *SyncSession) handleWriteResult(result *writeResult) {
	if result.err == nil {
		return
	}

	if IsUnavailable(result.err) && !result.remove {
		attempt := result.attempt + 1
		if attempt < self.settings.MaxWriteAttempts {
			retryTimeout := self.settings.WriteRetryTimeout << result.attempt
			glog.V(1).Infof("[rc]%s retry %s attempt %d in %s\n", self.scope.SessionId, result.shape.ShapeId, attempt, retryTimeout)
			self.throttler.reschedule(result.shape, attempt, retryTimeout, time.Now())
			return
		}
	}

	// rejected or out of retries. Revert the optimistic edit and surface
	shapeId := result.shapeId
	if result.shape != nil {
		shapeId = result.shape.ShapeId
		if pending, ok := self.overlay.Get(shapeId); ok && pending.UpdatedAt <= result.shape.UpdatedAt {
			// no newer local edit has replaced the entry
			self.overlay.Remove(shapeId)
			self.updateVisible(shapeId)
		}
	}
	glog.Infof("[rc]%s write rejected %s = %s\n", self.scope.SessionId, shapeId, result.err)
	for _, errorCallback := range self.errorCallbacks.Get() {
		func() {
			defer recover()
			errorCallback(shapeId, result.err)
		}()
	}
}

// recomputes the visible state of one id and emits an update when it changed.
// cost is O(1) per event, never a full re-derivation
func (self *SyncSession) updateVisible(shapeId Id) {
	visible := self.overlay.VisibleState(shapeId, self.remotes[shapeId])

	self.stateLock.Lock()
	previous, ok := self.canonical[shapeId]
	changed := false
	if visible == nil {
		if ok {
			delete(self.canonical, shapeId)
			changed = true
		}
	} else if !ok || previous.UpdatedAt != visible.UpdatedAt || previous.UpdatedBy != visible.UpdatedBy {
		self.canonical[shapeId] = visible
		changed = true
	}
	self.stateLock.Unlock()

	if !changed {
		return
	}

	update := &CanvasUpdate{
		ShapeId: shapeId,
	}
	if visible != nil {
		update.Shape = visible.Copy()
	}
	for _, updateCallback := range self.updateCallbacks.Get() {
		func() {
			defer recover()
			updateCallback(update)
		}()
	}
}

func (self *SyncSession) writeShape(shape *Shape, attempt int) {
	err := self.store.WriteShape(self.ctx, self.scope, shape)
	if err == nil {
		glog.V(2).Infof("[rc]%s-> %s at %d\n", self.scope.SessionId, shape.ShapeId, shape.UpdatedAt)
		return
	}
	select {
	case self.writeResults <- &writeResult{
		shape:   shape,
		shapeId: shape.ShapeId,
		attempt: attempt,
		err:     err,
	}:
	case <-self.ctx.Done():
	}
}

// removes are not throttled. Retries happen here since delete always wins
// and cannot be superseded by a later local edit
func (self *SyncSession) writeRemove(shapeId Id, removeTime UpdateTime) {
	retry := NewExpandingReconnect(self.settings.WriteRetryTimeout, self.settings.ResubscribeMaxTimeout)
	for attempt := 0; attempt < self.settings.MaxWriteAttempts; attempt += 1 {
		err := self.store.RemoveShape(self.ctx, self.scope, shapeId, removeTime)
		if err == nil {
			glog.V(2).Infof("[rc]%s-> remove %s\n", self.scope.SessionId, shapeId)
			return
		}
		if !IsUnavailable(err) || attempt == self.settings.MaxWriteAttempts-1 {
			select {
			case self.writeResults <- &writeResult{
				shapeId: shapeId,
				remove:  true,
				err:     err,
			}:
			case <-self.ctx.Done():
			}
			return
		}
		select {
		case <-self.ctx.Done():
			return
		case <-retry.After():
		}
	}
}
