package canvas

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type MemoryStoreSettings struct {
	SubscriptionBufferSize int
}

func DefaultMemoryStoreSettings() *MemoryStoreSettings {
	return &MemoryStoreSettings{
		SubscriptionBufferSize: 1024,
	}
}

type presenceKey struct {
	userId Id
	kind   PresenceKind
}

type memoryWorkspace struct {
	// shape id -> current document
	shapes map[Id]*Shape
	// shape id -> removal timestamp. A write at or before the removal
	// timestamp is a stale write and dropped
	removeTimes map[Id]UpdateTime

	presence map[presenceKey]*PresenceRecord

	shapeSubs    map[int]*ShapeSubscription
	presenceSubs map[int]*PresenceSubscription

	// accepted write count, exposed for tests and sims
	writeCount int
}

func newMemoryWorkspace() *memoryWorkspace {
	return &memoryWorkspace{
		shapes:       map[Id]*Shape{},
		removeTimes:  map[Id]UpdateTime{},
		presence:     map[presenceKey]*PresenceRecord{},
		shapeSubs:    map[int]*ShapeSubscription{},
		presenceSubs: map[int]*PresenceSubscription{},
	}
}

// in-process replicated store. Every session gets the same broadcast
// semantics as the hosted store: full snapshot on subscribe, then live
// events; last write wins on concurrent puts; delete wins over writes that
// do not strictly supersede it.
//
// this is the cross-session boundary, so unlike the session-owned
// components it is safe for concurrent use.
type MemoryStore struct {
	settings *MemoryStoreSettings

	mutex      sync.Mutex
	workspaces map[Id]*memoryWorkspace
	// workspace id -> allowed user ids. Missing means the workspace is open
	members     map[Id][]Id
	nextSubId   int
	unavailable bool
}

func NewMemoryStoreWithDefaults() *MemoryStore {
	return NewMemoryStore(DefaultMemoryStoreSettings())
}

func NewMemoryStore(settings *MemoryStoreSettings) *MemoryStore {
	return &MemoryStore{
		settings:   settings,
		workspaces: map[Id]*memoryWorkspace{},
		members:    map[Id][]Id{},
	}
}

// restricts a workspace to the given members. Writes and subscribes from
// anyone else fail with `ErrPermissionDenied`
func (self *MemoryStore) Restrict(workspaceId Id, userIds ...Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.members[workspaceId] = slices.Clone(userIds)
}

// simulates a network/backend outage for tests and sims
func (self *MemoryStore) SetUnavailable(unavailable bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.unavailable = unavailable
}

func (self *MemoryStore) WriteCount(workspaceId Id) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if workspace, ok := self.workspaces[workspaceId]; ok {
		return workspace.writeCount
	}
	return 0
}

func (self *MemoryStore) Shape(workspaceId Id, shapeId Id) *Shape {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if workspace, ok := self.workspaces[workspaceId]; ok {
		if shape, ok := workspace.shapes[shapeId]; ok {
			return shape.Copy()
		}
	}
	return nil
}

// must be called inside the mutex
func (self *MemoryStore) workspace(workspaceId Id) *memoryWorkspace {
	workspace, ok := self.workspaces[workspaceId]
	if !ok {
		workspace = newMemoryWorkspace()
		self.workspaces[workspaceId] = workspace
	}
	return workspace
}

// must be called inside the mutex
func (self *MemoryStore) checkScope(scope *SessionScope) error {
	if self.unavailable {
		return ErrUnavailable
	}
	if scope == nil || scope.WorkspaceId.IsZero() {
		return ErrPermissionDenied
	}
	if userIds, ok := self.members[scope.WorkspaceId]; ok {
		if !slices.Contains(userIds, scope.UserId) {
			return ErrPermissionDenied
		}
	}
	return nil
}

// ShapeStore

func (self *MemoryStore) SubscribeShapes(ctx context.Context, scope *SessionScope) (*ShapeSubscription, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if err := self.checkScope(scope); err != nil {
		return nil, err
	}

	workspace := self.workspace(scope.WorkspaceId)
	subId := self.nextSubId
	self.nextSubId += 1

	subCtx, cancel := context.WithCancel(ctx)
	var sub *ShapeSubscription
	sub = newShapeSubscription(func() {
		cancel()
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if workspace.shapeSubs[subId] == sub {
			delete(workspace.shapeSubs, subId)
			close(sub.events)
		}
	}, self.settings.SubscriptionBufferSize)
	workspace.shapeSubs[subId] = sub

	go func() {
		<-subCtx.Done()
		sub.Close()
	}()

	// cold-start snapshot. The buffer is sized so the snapshot never blocks
	for _, shape := range workspace.shapes {
		self.offerShapeEvent(sub, &ShapeEvent{
			Type:    ShapeEventAdded,
			ShapeId: shape.ShapeId,
			Shape:   shape.Copy(),
		})
	}
	self.offerShapeEvent(sub, &ShapeEvent{
		Type: ShapeEventSnapshotEnd,
	})

	return sub, nil
}

func (self *MemoryStore) offerShapeEvent(sub *ShapeSubscription, event *ShapeEvent) {
	select {
	case sub.events <- event:
	default:
		// slow consumer. Drop rather than block the workspace
		glog.Infof("[st]drop %s %s\n", event.Type, event.ShapeId)
	}
}

func (self *MemoryStore) WriteShape(ctx context.Context, scope *SessionScope, shape *Shape) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if err := self.checkScope(scope); err != nil {
		return err
	}
	if shape.WorkspaceId != scope.WorkspaceId {
		return ErrPermissionDenied
	}
	if err := shape.Validate(); err != nil {
		return err
	}

	workspace := self.workspace(scope.WorkspaceId)

	if removeTime, ok := workspace.removeTimes[shape.ShapeId]; ok {
		if shape.UpdatedAt <= removeTime {
			// stale write to a deleted shape. Not an error
			glog.V(1).Infof("[st]stale write %s at %d removed at %d\n", shape.ShapeId, shape.UpdatedAt, removeTime)
			return nil
		}
		// a strictly newer write recreates the document
		delete(workspace.removeTimes, shape.ShapeId)
	}

	existing, ok := workspace.shapes[shape.ShapeId]
	if winner := ResolveConflict(existing, shape); winner != shape {
		// stale write. Not an error
		glog.V(1).Infof("[st]stale write %s at %d current %d\n", shape.ShapeId, shape.UpdatedAt, existing.UpdatedAt)
		return nil
	}

	stored := shape.Copy()
	workspace.shapes[shape.ShapeId] = stored
	workspace.writeCount += 1

	eventType := ShapeEventAdded
	if ok {
		eventType = ShapeEventUpdated
	}
	for _, sub := range workspace.shapeSubs {
		self.offerShapeEvent(sub, &ShapeEvent{
			Type:    eventType,
			ShapeId: stored.ShapeId,
			Shape:   stored.Copy(),
		})
	}
	return nil
}

func (self *MemoryStore) RemoveShape(ctx context.Context, scope *SessionScope, shapeId Id, updateTime UpdateTime) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if err := self.checkScope(scope); err != nil {
		return err
	}

	workspace := self.workspace(scope.WorkspaceId)
	// the tombstone is recorded even when the shape was never stored, so a
	// remove that outruns the first create write still wins
	delete(workspace.shapes, shapeId)
	if removeTime, ok := workspace.removeTimes[shapeId]; !ok || removeTime < updateTime {
		workspace.removeTimes[shapeId] = updateTime
	}

	for _, sub := range workspace.shapeSubs {
		self.offerShapeEvent(sub, &ShapeEvent{
			Type:       ShapeEventRemoved,
			ShapeId:    shapeId,
			UpdateTime: updateTime,
		})
	}
	return nil
}

// PresenceStore

func (self *MemoryStore) SubscribePresence(ctx context.Context, scope *SessionScope) (*PresenceSubscription, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if err := self.checkScope(scope); err != nil {
		return nil, err
	}

	workspace := self.workspace(scope.WorkspaceId)
	subId := self.nextSubId
	self.nextSubId += 1

	subCtx, cancel := context.WithCancel(ctx)
	var sub *PresenceSubscription
	sub = newPresenceSubscription(func() {
		cancel()
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if workspace.presenceSubs[subId] == sub {
			delete(workspace.presenceSubs, subId)
			close(sub.events)
		}
	}, self.settings.SubscriptionBufferSize)
	workspace.presenceSubs[subId] = sub

	go func() {
		<-subCtx.Done()
		sub.Close()
	}()

	for _, record := range workspace.presence {
		self.offerPresenceEvent(sub, &PresenceEvent{
			Type:   PresenceEventPut,
			UserId: record.UserId,
			Kind:   record.Kind,
			Record: record.Copy(),
		})
	}

	return sub, nil
}

func (self *MemoryStore) offerPresenceEvent(sub *PresenceSubscription, event *PresenceEvent) {
	select {
	case sub.events <- event:
	default:
		glog.Infof("[st]drop presence %s %s\n", event.Kind, event.UserId)
	}
}

func (self *MemoryStore) PublishPresence(ctx context.Context, scope *SessionScope, record *PresenceRecord) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if err := self.checkScope(scope); err != nil {
		return err
	}
	// each user owns their own presence keys
	if record.WorkspaceId != scope.WorkspaceId || record.UserId != scope.UserId {
		return ErrPermissionDenied
	}
	if err := record.Validate(); err != nil {
		return err
	}

	workspace := self.workspace(scope.WorkspaceId)
	stored := record.Copy()
	workspace.presence[presenceKey{userId: record.UserId, kind: record.Kind}] = stored

	for _, sub := range workspace.presenceSubs {
		self.offerPresenceEvent(sub, &PresenceEvent{
			Type:   PresenceEventPut,
			UserId: stored.UserId,
			Kind:   stored.Kind,
			Record: stored.Copy(),
		})
	}
	return nil
}

func (self *MemoryStore) RemovePresence(ctx context.Context, scope *SessionScope, kind PresenceKind) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if err := self.checkScope(scope); err != nil {
		return err
	}

	workspace := self.workspace(scope.WorkspaceId)
	key := presenceKey{userId: scope.UserId, kind: kind}
	if _, ok := workspace.presence[key]; !ok {
		return nil
	}
	delete(workspace.presence, key)

	for _, sub := range workspace.presenceSubs {
		self.offerPresenceEvent(sub, &PresenceEvent{
			Type:   PresenceEventRemoved,
			UserId: scope.UserId,
			Kind:   kind,
		})
	}
	return nil
}

func (self *MemoryStore) WorkspaceIds() []Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return maps.Keys(self.workspaces)
}
