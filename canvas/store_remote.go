package canvas

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type RemoteStoreSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration

	SendBufferSize         int
	SubscriptionBufferSize int
}

func DefaultRemoteStoreSettings() *RemoteStoreSettings {
	return &RemoteStoreSettings{
		WsHandshakeTimeout:     2 * time.Second,
		AuthTimeout:            2 * time.Second,
		ReconnectTimeout:       5 * time.Second,
		PingTimeout:            1 * time.Second,
		WriteTimeout:           5 * time.Second,
		ReadTimeout:            15 * time.Second,
		SendBufferSize:         32,
		SubscriptionBufferSize: 1024,
	}
}

// websocket client for the canvasd store. Implements both the durable shape
// facade and the ephemeral presence facade over one connection.
//
// while the connection is down every call fails with `ErrUnavailable` and
// active subscriptions are closed, so callers fall into their offline/backoff
// path. A fresh subscribe after reconnect replays the workspace snapshot.
type RemoteStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	url   string
	scope *SessionScope

	settings *RemoteStoreSettings

	mutex     sync.Mutex
	send      chan []byte
	connected bool
	// outstanding snapshot cycles on this connection. Each facade's sub
	// request starts its own cycle, so the count never conflates the shape
	// and presence subscribers
	pendingSnapshots int
	shapeSubs        map[int]*ShapeSubscription
	presenceSubs     map[int]*PresenceSubscription
	nextSubId        int
}

func NewRemoteStoreWithDefaults(ctx context.Context, url string, byJwt string) (*RemoteStore, error) {
	return NewRemoteStore(ctx, url, byJwt, DefaultRemoteStoreSettings())
}

func NewRemoteStore(ctx context.Context, url string, byJwt string, settings *RemoteStoreSettings) (*RemoteStore, error) {
	scope, err := ParseScopeUnverified(byJwt)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	store := &RemoteStore{
		ctx:          cancelCtx,
		cancel:       cancel,
		url:          url,
		scope:        scope,
		settings:     settings,
		shapeSubs:    map[int]*ShapeSubscription{},
		presenceSubs: map[int]*PresenceSubscription{},
	}
	go store.run()
	return store, nil
}

func (self *RemoteStore) Scope() *SessionScope {
	return self.scope
}

func (self *RemoteStore) Close() {
	self.cancel()
}

func (self *RemoteStore) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			authBytes := RequireEncodeFrame(&Frame{
				Type: FrameTypeAuth,
				Auth: &AuthFrame{
					ByJwt: self.scope.ByJwt,
				},
			})
			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			_, message, err := ws.ReadMessage()
			if err != nil {
				return nil, err
			}
			frame, err := DecodeFrame(message)
			if err != nil {
				return nil, err
			}
			switch frame.Type {
			case FrameTypeAuthOk:
			case FrameTypeError:
				return nil, frame.Error.Err()
			default:
				return nil, fmt.Errorf("auth response error: %s", frame.Type)
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[sr]%s auth error = %s\n", self.scope.SessionId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.handle(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-NewReconnect(self.settings.ReconnectTimeout).After():
		}
	}
}

func (self *RemoteStore) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, self.settings.SendBufferSize)

	self.mutex.Lock()
	self.send = send
	self.connected = true
	self.pendingSnapshots = 0
	self.mutex.Unlock()

	defer func() {
		self.mutex.Lock()
		self.connected = false
		self.send = nil
		// fall subscribers into their offline path
		for subId, sub := range self.shapeSubs {
			delete(self.shapeSubs, subId)
			close(sub.events)
		}
		for subId, sub := range self.presenceSubs {
			delete(self.presenceSubs, subId)
			close(sub.events)
		}
		self.mutex.Unlock()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					glog.Infof("[sr]%s-> error = %s\n", self.scope.SessionId, err)
					return
				}
				glog.V(2).Infof("[sr]%s->\n", self.scope.SessionId)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				ping := RequireEncodeFrame(&Frame{
					Type: FrameTypePing,
				})
				if err := ws.WriteMessage(websocket.TextMessage, ping); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[sr]%s<- error = %s\n", self.scope.SessionId, err)
			return
		}

		frame, err := DecodeFrame(message)
		if err != nil {
			// a malformed record is dropped, never a crash
			glog.Infof("[sr]%s<- dropped = %s\n", self.scope.SessionId, err)
			continue
		}

		switch frame.Type {
		case FrameTypePing:
		case FrameTypeError:
			glog.Infof("[sr]%s<- error frame = %s\n", self.scope.SessionId, frame.Error.Err())
		case FrameTypeShapePut:
			eventType := ShapeEventUpdated
			if self.snapshotActive() {
				eventType = ShapeEventAdded
			}
			self.dispatchShapeEvent(&ShapeEvent{
				Type:    eventType,
				ShapeId: frame.Shape.ShapeId,
				Shape:   frame.Shape,
			})
		case FrameTypeShapeRemove:
			self.dispatchShapeEvent(&ShapeEvent{
				Type:       ShapeEventRemoved,
				ShapeId:    *frame.ShapeId,
				UpdateTime: frame.UpdateTime,
			})
		case FrameTypeSnapshotEnd:
			self.endSnapshot()
			self.dispatchShapeEvent(&ShapeEvent{
				Type: ShapeEventSnapshotEnd,
			})
		case FrameTypePresencePut:
			self.dispatchPresenceEvent(&PresenceEvent{
				Type:   PresenceEventPut,
				UserId: frame.Presence.UserId,
				Kind:   frame.Presence.Kind,
				Record: frame.Presence,
			})
		case FrameTypePresenceRemove:
			self.dispatchPresenceEvent(&PresenceEvent{
				Type:   PresenceEventRemoved,
				UserId: *frame.UserId,
				Kind:   frame.PresenceKind,
			})
		default:
			glog.V(2).Infof("[sr]%s<- other = %s\n", self.scope.SessionId, frame.Type)
		}
	}
}

// snapshot phase of the current server stream. Until every requested cycle
// ends, puts are delivered as added events
func (self *RemoteStore) snapshotActive() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return 0 < self.pendingSnapshots
}

func (self *RemoteStore) endSnapshot() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if 0 < self.pendingSnapshots {
		self.pendingSnapshots -= 1
	}
}

func (self *RemoteStore) dispatchShapeEvent(event *ShapeEvent) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, sub := range self.shapeSubs {
		select {
		case sub.events <- event:
		default:
			glog.Infof("[sr]drop %s %s\n", event.Type, event.ShapeId)
		}
	}
}

func (self *RemoteStore) dispatchPresenceEvent(event *PresenceEvent) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, sub := range self.presenceSubs {
		select {
		case sub.events <- event:
		default:
			glog.Infof("[sr]drop presence %s %s\n", event.Kind, event.UserId)
		}
	}
}

func (self *RemoteStore) offer(frame *Frame) error {
	b, err := EncodeFrame(frame)
	if err != nil {
		return err
	}

	self.mutex.Lock()
	send := self.send
	connected := self.connected
	self.mutex.Unlock()

	if !connected || send == nil {
		return ErrUnavailable
	}
	select {
	case send <- b:
		return nil
	case <-self.ctx.Done():
		return ErrUnavailable
	case <-time.After(self.settings.WriteTimeout):
		return ErrUnavailable
	}
}

// requests a fresh server stream cycle. The server replies with the full
// workspace snapshot, snapshot_end, then live events. Every new subscription
// requests its own cycle so it never misses documents already streamed for
// an earlier subscriber; replayed events are idempotent downstream
func (self *RemoteStore) sendSub() error {
	self.mutex.Lock()
	self.pendingSnapshots += 1
	self.mutex.Unlock()

	err := self.offer(&Frame{
		Type: FrameTypeSub,
	})
	if err != nil {
		self.endSnapshot()
		return err
	}
	return nil
}

// ShapeStore

func (self *RemoteStore) SubscribeShapes(ctx context.Context, scope *SessionScope) (*ShapeSubscription, error) {
	if err := self.scope.CheckWorkspace(scope.WorkspaceId); err != nil {
		return nil, err
	}

	self.mutex.Lock()
	if !self.connected {
		self.mutex.Unlock()
		return nil, ErrUnavailable
	}
	subId := self.nextSubId
	self.nextSubId += 1

	subCtx, cancel := context.WithCancel(ctx)
	var sub *ShapeSubscription
	sub = newShapeSubscription(func() {
		cancel()
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if self.shapeSubs[subId] == sub {
			delete(self.shapeSubs, subId)
			close(sub.events)
		}
	}, self.settings.SubscriptionBufferSize)
	self.shapeSubs[subId] = sub
	self.mutex.Unlock()

	go func() {
		<-subCtx.Done()
		sub.Close()
	}()

	if err := self.sendSub(); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

func (self *RemoteStore) WriteShape(ctx context.Context, scope *SessionScope, shape *Shape) error {
	if err := self.scope.CheckWorkspace(scope.WorkspaceId); err != nil {
		return err
	}
	if shape.WorkspaceId != scope.WorkspaceId {
		return ErrPermissionDenied
	}
	if err := shape.Validate(); err != nil {
		return err
	}
	return self.offer(&Frame{
		Type:  FrameTypeShapePut,
		Shape: shape,
	})
}

func (self *RemoteStore) RemoveShape(ctx context.Context, scope *SessionScope, shapeId Id, updateTime UpdateTime) error {
	if err := self.scope.CheckWorkspace(scope.WorkspaceId); err != nil {
		return err
	}
	return self.offer(&Frame{
		Type:       FrameTypeShapeRemove,
		ShapeId:    &shapeId,
		UpdateTime: updateTime,
	})
}

// PresenceStore

func (self *RemoteStore) SubscribePresence(ctx context.Context, scope *SessionScope) (*PresenceSubscription, error) {
	if err := self.scope.CheckWorkspace(scope.WorkspaceId); err != nil {
		return nil, err
	}

	self.mutex.Lock()
	if !self.connected {
		self.mutex.Unlock()
		return nil, ErrUnavailable
	}
	subId := self.nextSubId
	self.nextSubId += 1

	subCtx, cancel := context.WithCancel(ctx)
	var sub *PresenceSubscription
	sub = newPresenceSubscription(func() {
		cancel()
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if self.presenceSubs[subId] == sub {
			delete(self.presenceSubs, subId)
			close(sub.events)
		}
	}, self.settings.SubscriptionBufferSize)
	self.presenceSubs[subId] = sub
	self.mutex.Unlock()

	go func() {
		<-subCtx.Done()
		sub.Close()
	}()

	if err := self.sendSub(); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

func (self *RemoteStore) PublishPresence(ctx context.Context, scope *SessionScope, record *PresenceRecord) error {
	if err := self.scope.CheckWorkspace(scope.WorkspaceId); err != nil {
		return err
	}
	if record.UserId != scope.UserId {
		return ErrPermissionDenied
	}
	if err := record.Validate(); err != nil {
		return err
	}
	return self.offer(&Frame{
		Type:     FrameTypePresencePut,
		Presence: record,
	})
}

func (self *RemoteStore) RemovePresence(ctx context.Context, scope *SessionScope, kind PresenceKind) error {
	if err := self.scope.CheckWorkspace(scope.WorkspaceId); err != nil {
		return err
	}
	userId := scope.UserId
	return self.offer(&Frame{
		Type:         FrameTypePresenceRemove,
		UserId:       &userId,
		PresenceKind: kind,
	})
}
