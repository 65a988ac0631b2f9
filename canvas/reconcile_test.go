package canvas

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func waitUntil(t *testing.T, timeout time.Duration, condition func() bool) {
	endTime := time.Now().Add(timeout)
	for time.Now().Before(endTime) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func testSyncSettings() *SyncSettings {
	settings := DefaultSyncSettings()
	settings.WriteThrottlerSettings = &WriteThrottlerSettings{
		DebounceTimeout: 10 * time.Millisecond,
		CoalesceTimeout: 40 * time.Millisecond,
	}
	settings.WriteRetryTimeout = 20 * time.Millisecond
	settings.ResubscribeMinTimeout = 20 * time.Millisecond
	settings.ResubscribeMaxTimeout = 100 * time.Millisecond
	return settings
}

func TestSessionCreateIsImmediatelyVisible(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStoreWithDefaults()
	workspaceId := NewId()

	session := NewSyncSession(ctx, NewSessionScope(workspaceId, NewId()), store, testSyncSettings())
	defer session.Close()

	width := 10.0
	height := 20.0
	shapeId, err := session.CreateShape(ShapeKindRectangle, &ShapePatch{
		Width:  &width,
		Height: &height,
	})
	assert.Equal(t, err, nil)

	// visible via the overlay before the write lands
	waitUntil(t, time.Second, func() bool {
		return session.VisibleShape(shapeId) != nil
	})

	// and durable after the throttler flush
	waitUntil(t, time.Second, func() bool {
		return store.Shape(workspaceId, shapeId) != nil
	})
	assert.Equal(t, store.Shape(workspaceId, shapeId).Width, 10.0)
}

func TestSessionCreateRejectsUnknownKind(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStoreWithDefaults()

	session := NewSyncSession(ctx, NewSessionScope(NewId(), NewId()), store, testSyncSettings())
	defer session.Close()

	_, err := session.CreateShape("blob", nil)
	assert.Equal(t, IsMalformedRecord(err), true)
}

func TestSessionsConverge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStoreWithDefaults()
	workspaceId := NewId()

	a := NewSyncSession(ctx, NewSessionScope(workspaceId, NewId()), store, testSyncSettings())
	defer a.Close()
	b := NewSyncSession(ctx, NewSessionScope(workspaceId, NewId()), store, testSyncSettings())
	defer b.Close()

	shapeId, err := a.CreateShape(ShapeKindRectangle, nil)
	assert.Equal(t, err, nil)
	waitUntil(t, time.Second, func() bool {
		return b.VisibleShape(shapeId) != nil
	})

	a.MoveShape(shapeId, 100, 0)
	waitUntil(t, time.Second, func() bool {
		shape := b.VisibleShape(shapeId)
		return shape != nil && shape.X == 100
	})

	// the restyle base in b already includes the move, so both edits survive
	fill := "#ff0000"
	b.RestyleShape(shapeId, &ShapePatch{Fill: &fill})
	waitUntil(t, time.Second, func() bool {
		shape := a.VisibleShape(shapeId)
		return shape != nil && shape.Fill == "#ff0000"
	})

	shape := a.VisibleShape(shapeId)
	assert.Equal(t, shape.X, 100.0)
	assert.Equal(t, shape.Fill, "#ff0000")
	assert.Equal(t, shape, b.VisibleShape(shapeId))
}

func TestSessionRemoteDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStoreWithDefaults()
	workspaceId := NewId()

	a := NewSyncSession(ctx, NewSessionScope(workspaceId, NewId()), store, testSyncSettings())
	defer a.Close()
	b := NewSyncSession(ctx, NewSessionScope(workspaceId, NewId()), store, testSyncSettings())
	defer b.Close()

	shapeId, _ := a.CreateShape(ShapeKindCircle, nil)
	waitUntil(t, time.Second, func() bool {
		return b.VisibleShape(shapeId) != nil
	})

	b.DeleteShape(shapeId)
	waitUntil(t, time.Second, func() bool {
		return a.VisibleShape(shapeId) == nil
	})

	// a later edit to the deleted shape is ignored
	a.MoveShape(shapeId, 50, 50)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, a.VisibleShape(shapeId), nil)
	assert.Equal(t, store.Shape(workspaceId, shapeId), nil)
}

func TestSessionDeleteWinsOverPendingEdit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStoreWithDefaults()
	workspaceId := NewId()

	// a wide debounce keeps the local edit pending in the overlay while the
	// remote delete arrives
	settings := testSyncSettings()
	settings.WriteThrottlerSettings = &WriteThrottlerSettings{
		DebounceTimeout: 500 * time.Millisecond,
		CoalesceTimeout: 2 * time.Second,
	}
	a := NewSyncSession(ctx, NewSessionScope(workspaceId, NewId()), store, settings)
	defer a.Close()
	b := NewSyncSession(ctx, NewSessionScope(workspaceId, NewId()), store, testSyncSettings())
	defer b.Close()

	shapeId, _ := a.CreateShape(ShapeKindRectangle, nil)
	waitUntil(t, 5*time.Second, func() bool {
		return b.VisibleShape(shapeId) != nil
	})

	// delete wins regardless of the pending edit's timestamp
	a.MoveShape(shapeId, 500, 500)
	waitUntil(t, time.Second, func() bool {
		shape := a.VisibleShape(shapeId)
		return shape != nil && shape.X == 500
	})

	b.DeleteShape(shapeId)
	waitUntil(t, time.Second, func() bool {
		return a.VisibleShape(shapeId) == nil
	})

	// the canceled write never resurrects the shape
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, a.VisibleShape(shapeId), nil)
	assert.Equal(t, store.Shape(workspaceId, shapeId), nil)
}

func TestSessionThrottlesBursts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStoreWithDefaults()
	workspaceId := NewId()

	session := NewSyncSession(ctx, NewSessionScope(workspaceId, NewId()), store, testSyncSettings())
	defer session.Close()

	shapeId, _ := session.CreateShape(ShapeKindRectangle, nil)
	for i := 0; i < 20; i += 1 {
		session.MoveShape(shapeId, float64(i), 0)
	}

	waitUntil(t, time.Second, func() bool {
		shape := store.Shape(workspaceId, shapeId)
		return shape != nil && shape.X == 19
	})

	// a burst of rapid edits must not write per edit
	assert.Equal(t, store.WriteCount(workspaceId) <= 3, true)

	// the overlay clears once the write echoes back
	waitUntil(t, time.Second, func() bool {
		shape := session.VisibleShape(shapeId)
		return shape != nil && shape.X == 19
	})
}

func TestSessionPermissionDeniedReverts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStoreWithDefaults()
	workspaceId := NewId()
	member := NewId()
	store.Restrict(workspaceId, member)

	session := NewSyncSession(ctx, NewSessionScope(workspaceId, NewId()), store, testSyncSettings())
	defer session.Close()

	errs := make(chan error, 16)
	session.AddErrorCallback(func(shapeId Id, err error) {
		errs <- err
	})

	shapeId, err := session.CreateShape(ShapeKindRectangle, nil)
	assert.Equal(t, err, nil)
	waitUntil(t, time.Second, func() bool {
		return session.VisibleShape(shapeId) != nil
	})

	// the write is rejected, the optimistic edit reverts, and the failure
	// surfaces exactly through the error callback
	select {
	case err := <-errs:
		assert.Equal(t, IsPermissionDenied(err), true)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for error callback")
	}
	waitUntil(t, time.Second, func() bool {
		return session.VisibleShape(shapeId) == nil
	})
	assert.Equal(t, store.Shape(workspaceId, shapeId), nil)
}

func TestSessionRetriesUnavailable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStoreWithDefaults()
	workspaceId := NewId()

	session := NewSyncSession(ctx, NewSessionScope(workspaceId, NewId()), store, testSyncSettings())
	defer session.Close()

	errs := make(chan error, 16)
	session.AddErrorCallback(func(shapeId Id, err error) {
		errs <- err
	})

	// subscribe succeeds, then the backend goes down before the first write
	waitUntil(t, time.Second, func() bool {
		return !session.Offline()
	})
	store.SetUnavailable(true)

	shapeId, _ := session.CreateShape(ShapeKindRectangle, nil)
	waitUntil(t, time.Second, func() bool {
		return session.VisibleShape(shapeId) != nil
	})

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, store.Shape(workspaceId, shapeId), nil)
	store.SetUnavailable(false)

	// the throttled retry lands the edit without surfacing an error
	waitUntil(t, 2*time.Second, func() bool {
		return store.Shape(workspaceId, shapeId) != nil
	})
	select {
	case err := <-errs:
		t.Fatalf("unexpected error = %s", err)
	default:
	}
}

// wraps the memory store so tests can sever live subscriptions
type interceptStore struct {
	*MemoryStore

	mutex sync.Mutex
	subs  []*ShapeSubscription
}

func newInterceptStore() *interceptStore {
	return &interceptStore{
		MemoryStore: NewMemoryStoreWithDefaults(),
	}
}

func (self *interceptStore) SubscribeShapes(ctx context.Context, scope *SessionScope) (*ShapeSubscription, error) {
	sub, err := self.MemoryStore.SubscribeShapes(ctx, scope)
	if err != nil {
		return nil, err
	}
	self.mutex.Lock()
	self.subs = append(self.subs, sub)
	self.mutex.Unlock()
	return sub, nil
}

func (self *interceptStore) severSubscriptions() {
	self.mutex.Lock()
	subs := self.subs
	self.subs = nil
	self.mutex.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func TestSessionOfflineResubscribePrunes(t *testing.T) {
	ctx := context.Background()
	store := newInterceptStore()
	workspaceId := NewId()

	// a wider resubscribe gap keeps the session observably offline while the
	// test mutates the store behind its back
	settings := testSyncSettings()
	settings.ResubscribeMinTimeout = 100 * time.Millisecond
	session := NewSyncSession(ctx, NewSessionScope(workspaceId, NewId()), store, settings)
	defer session.Close()

	keepId, _ := session.CreateShape(ShapeKindRectangle, nil)
	pruneId, _ := session.CreateShape(ShapeKindCircle, nil)
	waitUntil(t, time.Second, func() bool {
		return store.Shape(workspaceId, keepId) != nil && store.Shape(workspaceId, pruneId) != nil
	})

	store.severSubscriptions()
	waitUntil(t, time.Second, func() bool {
		return session.Offline()
	})

	// the canonical set is frozen while offline
	assert.NotEqual(t, session.VisibleShape(pruneId), nil)

	// deleted by someone else while we were away, no removal event for us
	other := NewSessionScope(workspaceId, NewId())
	assert.Equal(t, store.RemoveShape(ctx, other, pruneId, NowUpdateTime()), nil)

	// on resubscribe the snapshot is authoritative and the absent id prunes
	waitUntil(t, 2*time.Second, func() bool {
		return !session.Offline() && session.VisibleShape(pruneId) == nil
	})
	assert.NotEqual(t, session.VisibleShape(keepId), nil)
}

// a store whose event stream the test scripts directly
type feedStore struct {
	mutex sync.Mutex
	sub   *ShapeSubscription
}

func (self *feedStore) SubscribeShapes(ctx context.Context, scope *SessionScope) (*ShapeSubscription, error) {
	sub := newShapeSubscription(func() {}, 64)
	self.mutex.Lock()
	self.sub = sub
	self.mutex.Unlock()
	return sub, nil
}

func (self *feedStore) WriteShape(ctx context.Context, scope *SessionScope, shape *Shape) error {
	return nil
}

func (self *feedStore) RemoveShape(ctx context.Context, scope *SessionScope, shapeId Id, updateTime UpdateTime) error {
	return nil
}

func (self *feedStore) subscription() *ShapeSubscription {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.sub
}

func TestSessionIgnoresReplayedSnapshotEnd(t *testing.T) {
	ctx := context.Background()
	store := &feedStore{}
	workspaceId := NewId()

	session := NewSyncSession(ctx, NewSessionScope(workspaceId, NewId()), store, testSyncSettings())
	defer session.Close()

	waitUntil(t, time.Second, func() bool {
		return store.subscription() != nil
	})
	sub := store.subscription()

	shape := &Shape{
		ShapeId:     NewId(),
		WorkspaceId: workspaceId,
		Kind:        ShapeKindRectangle,
		Width:       10,
		Height:      10,
		UpdatedAt:   1000,
		UpdatedBy:   "sb",
	}
	sub.events <- &ShapeEvent{
		Type:    ShapeEventAdded,
		ShapeId: shape.ShapeId,
		Shape:   shape,
	}
	sub.events <- &ShapeEvent{
		Type: ShapeEventSnapshotEnd,
	}
	waitUntil(t, time.Second, func() bool {
		return session.VisibleShape(shape.ShapeId) != nil
	})

	// the server re-streams the snapshot when another subscriber on the same
	// connection requests the stream. The replayed cycle, including its end
	// marker, must not prune anything
	sub.events <- &ShapeEvent{
		Type:    ShapeEventAdded,
		ShapeId: shape.ShapeId,
		Shape:   shape,
	}
	sub.events <- &ShapeEvent{
		Type: ShapeEventSnapshotEnd,
	}

	time.Sleep(100 * time.Millisecond)
	assert.NotEqual(t, session.VisibleShape(shape.ShapeId), nil)
}

func TestSessionUpdateCallbacks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStoreWithDefaults()
	workspaceId := NewId()

	session := NewSyncSession(ctx, NewSessionScope(workspaceId, NewId()), store, testSyncSettings())
	defer session.Close()

	updates := make(chan *CanvasUpdate, 64)
	callbackId := session.AddUpdateCallback(func(update *CanvasUpdate) {
		updates <- update
	})

	shapeId, _ := session.CreateShape(ShapeKindText, nil)

	select {
	case update := <-updates:
		assert.Equal(t, update.ShapeId, shapeId)
		assert.NotEqual(t, update.Shape, nil)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for update callback")
	}

	session.DeleteShape(shapeId)
	waitUntil(t, time.Second, func() bool {
		for {
			select {
			case update := <-updates:
				if update.ShapeId == shapeId && update.Shape == nil {
					return true
				}
			default:
				return false
			}
		}
	})

	session.RemoveUpdateCallback(callbackId)
}

func TestSessionVisibleShapesOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStoreWithDefaults()
	workspaceId := NewId()

	session := NewSyncSession(ctx, NewSessionScope(workspaceId, NewId()), store, testSyncSettings())
	defer session.Close()

	zBack := -1
	zFront := 1
	frontId, _ := session.CreateShape(ShapeKindRectangle, &ShapePatch{ZIndex: &zFront})
	backId, _ := session.CreateShape(ShapeKindRectangle, &ShapePatch{ZIndex: &zBack})

	waitUntil(t, time.Second, func() bool {
		return len(session.VisibleShapes()) == 2
	})

	shapes := session.VisibleShapes()
	assert.Equal(t, shapes[0].ShapeId, backId)
	assert.Equal(t, shapes[1].ShapeId, frontId)
}
