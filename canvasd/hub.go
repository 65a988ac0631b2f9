package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/andychuong/collabcanvas/canvas"
)

type hubSettings struct {
	authTimeout  time.Duration
	pingTimeout  time.Duration
	writeTimeout time.Duration
	readTimeout  time.Duration

	sendBufferSize int

	// per-connection event budget
	eventsPerSecond rate.Limit
	eventBurst      int
}

func defaultHubSettings() *hubSettings {
	return &hubSettings{
		authTimeout:     2 * time.Second,
		pingTimeout:     1 * time.Second,
		writeTimeout:    5 * time.Second,
		readTimeout:     15 * time.Second,
		sendBufferSize:  256,
		eventsPerSecond: 200,
		eventBurst:      100,
	}
}

type presenceKey struct {
	userId canvas.Id
	kind   canvas.PresenceKind
}

type hubWorkspace struct {
	conns    map[*hubConn]bool
	presence map[presenceKey]*canvas.PresenceRecord
}

func newHubWorkspace() *hubWorkspace {
	return &hubWorkspace{
		conns:    map[*hubConn]bool{},
		presence: map[presenceKey]*canvas.PresenceRecord{},
	}
}

type hubConn struct {
	ws      *websocket.Conn
	scope   *canvas.SessionScope
	send    chan []byte
	limiter *rate.Limiter
}

func (self *hubConn) offer(b []byte) {
	select {
	case self.send <- b:
	default:
		// slow consumer. Drop rather than block the workspace
		glog.Infof("[d]drop %s->\n", self.scope.SessionId)
	}
}

// blocks until the frame is queued. Snapshot frames must never drop: a
// missing snapshot document reads as deleted on the client at snapshot end
func (self *hubConn) offerBlocking(b []byte, timeout time.Duration) error {
	select {
	case self.send <- b:
		return nil
	case <-time.After(timeout):
		glog.Infof("[d]send stalled %s\n", self.scope.SessionId)
		return canvas.ErrUnavailable
	}
}

// one workspace's connections share a broadcast domain. Writes resolve
// last-write-wins against the stored document before they persist or fan out
type hub struct {
	settings *hubSettings
	secret   []byte
	store    *pebbleStore

	upgrader websocket.Upgrader

	mutex      sync.Mutex
	workspaces map[canvas.Id]*hubWorkspace

	// serializes the read-resolve-write cycle on the stored documents
	writeMutex sync.Mutex
}

func newHub(store *pebbleStore, secret []byte, settings *hubSettings) *hub {
	return &hub{
		settings:   settings,
		secret:     secret,
		store:      store,
		workspaces: map[canvas.Id]*hubWorkspace{},
	}
}

func (self *hub) workspace(workspaceId canvas.Id) *hubWorkspace {
	workspace, ok := self.workspaces[workspaceId]
	if !ok {
		workspace = newHubWorkspace()
		self.workspaces[workspaceId] = workspace
	}
	return workspace
}

func (self *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[d]upgrade error = %s\n", err)
		return
	}
	go self.handle(ws)
}

func (self *hub) handle(ws *websocket.Conn) {
	defer ws.Close()

	// the first frame must be auth with a verified workspace token
	ws.SetReadDeadline(time.Now().Add(self.settings.authTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return
	}
	frame, err := canvas.DecodeFrame(message)
	if err != nil || frame.Type != canvas.FrameTypeAuth {
		return
	}
	scope, err := canvas.VerifyScope(frame.Auth.ByJwt, self.secret)
	if err != nil {
		glog.Infof("[d]auth error = %s\n", err)
		ws.SetWriteDeadline(time.Now().Add(self.settings.writeTimeout))
		ws.WriteMessage(websocket.TextMessage, canvas.RequireEncodeFrame(&canvas.Frame{
			Type:  canvas.FrameTypeError,
			Error: canvas.ErrorFrameFor(err),
		}))
		return
	}

	conn := &hubConn{
		ws:      ws,
		scope:   scope,
		send:    make(chan []byte, self.settings.sendBufferSize),
		limiter: rate.NewLimiter(self.settings.eventsPerSecond, self.settings.eventBurst),
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, canvas.RequireEncodeFrame(&canvas.Frame{
		Type: canvas.FrameTypeAuthOk,
	})); err != nil {
		return
	}

	self.mutex.Lock()
	self.workspace(scope.WorkspaceId).conns[conn] = true
	self.mutex.Unlock()

	glog.V(1).Infof("[d]%s connected to %s\n", scope.SessionId, scope.WorkspaceId)

	defer func() {
		self.mutex.Lock()
		delete(self.workspace(scope.WorkspaceId).conns, conn)
		// treat the disconnect as removal of the user's presence keys
		removed := []*canvas.Frame{}
		workspace := self.workspace(scope.WorkspaceId)
		for key := range workspace.presence {
			if key.userId == scope.UserId {
				delete(workspace.presence, key)
				userId := key.userId
				removed = append(removed, &canvas.Frame{
					Type:         canvas.FrameTypePresenceRemove,
					UserId:       &userId,
					PresenceKind: key.kind,
				})
			}
		}
		self.mutex.Unlock()
		for _, frame := range removed {
			self.broadcast(scope.WorkspaceId, frame)
		}
		glog.V(1).Infof("[d]%s disconnected\n", scope.SessionId)
	}()

	writeDone := make(chan struct{})
	go self.writePump(conn, writeDone)
	defer func() {
		close(conn.send)
		<-writeDone
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.readTimeout))
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if !conn.limiter.Allow() {
			// over budget. Drop the event, the client converges on the
			// next accepted write
			glog.Infof("[d]%s rate limited\n", scope.SessionId)
			continue
		}
		frame, err := canvas.DecodeFrame(message)
		if err != nil {
			conn.offer(canvas.RequireEncodeFrame(&canvas.Frame{
				Type:  canvas.FrameTypeError,
				Error: canvas.ErrorFrameFor(canvas.ErrMalformedRecord),
			}))
			continue
		}
		if err := self.handleFrame(conn, frame); err != nil {
			conn.offer(canvas.RequireEncodeFrame(&canvas.Frame{
				Type:  canvas.FrameTypeError,
				Error: canvas.ErrorFrameFor(err),
			}))
		}
	}
}

func (self *hub) writePump(conn *hubConn, done chan struct{}) {
	defer close(done)

	for {
		select {
		case message, ok := <-conn.send:
			if !ok {
				return
			}
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.writeTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-time.After(self.settings.pingTimeout):
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.writeTimeout))
			ping := canvas.RequireEncodeFrame(&canvas.Frame{
				Type: canvas.FrameTypePing,
			})
			if err := conn.ws.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

func (self *hub) handleFrame(conn *hubConn, frame *canvas.Frame) error {
	scope := conn.scope
	switch frame.Type {
	case canvas.FrameTypePing:
		return nil
	case canvas.FrameTypeSub:
		return self.handleSub(conn)
	case canvas.FrameTypeShapePut:
		return self.handleShapePut(scope, frame.Shape)
	case canvas.FrameTypeShapeRemove:
		return self.handleShapeRemove(scope, *frame.ShapeId, frame.UpdateTime)
	case canvas.FrameTypePresencePut:
		return self.handlePresencePut(scope, frame.Presence)
	case canvas.FrameTypePresenceRemove:
		return self.handlePresenceRemove(scope, frame.PresenceKind)
	default:
		glog.V(2).Infof("[d]%s<- other = %s\n", scope.SessionId, frame.Type)
		return nil
	}
}

// cold-start snapshot: every live shape document, the live presence
// records, then snapshot_end
func (self *hub) handleSub(conn *hubConn) error {
	err := self.store.EachShape(conn.scope.WorkspaceId, func(shape *canvas.Shape) error {
		return conn.offerBlocking(canvas.RequireEncodeFrame(&canvas.Frame{
			Type:  canvas.FrameTypeShapePut,
			Shape: shape,
		}), self.settings.writeTimeout)
	})
	if err != nil {
		return canvas.ErrUnavailable
	}

	self.mutex.Lock()
	records := []*canvas.PresenceRecord{}
	for _, record := range self.workspace(conn.scope.WorkspaceId).presence {
		records = append(records, record.Copy())
	}
	self.mutex.Unlock()
	for _, record := range records {
		err := conn.offerBlocking(canvas.RequireEncodeFrame(&canvas.Frame{
			Type:     canvas.FrameTypePresencePut,
			Presence: record,
		}), self.settings.writeTimeout)
		if err != nil {
			return err
		}
	}

	return conn.offerBlocking(canvas.RequireEncodeFrame(&canvas.Frame{
		Type: canvas.FrameTypeSnapshotEnd,
	}), self.settings.writeTimeout)
}

func (self *hub) handleShapePut(scope *canvas.SessionScope, shape *canvas.Shape) error {
	if shape.WorkspaceId != scope.WorkspaceId {
		return canvas.ErrPermissionDenied
	}

	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()

	removeTime, err := self.store.GetRemoveTime(scope.WorkspaceId, shape.ShapeId)
	if err != nil {
		return canvas.ErrUnavailable
	}
	if removeTime != 0 {
		if shape.UpdatedAt <= removeTime {
			// stale write to a deleted shape. Not an error
			glog.V(1).Infof("[d]stale write %s at %d removed at %d\n", shape.ShapeId, shape.UpdatedAt, removeTime)
			return nil
		}
		if err := self.store.ClearRemoveTime(scope.WorkspaceId, shape.ShapeId); err != nil {
			return canvas.ErrUnavailable
		}
	}

	existing, err := self.store.GetShape(scope.WorkspaceId, shape.ShapeId)
	if err != nil {
		return canvas.ErrUnavailable
	}
	if winner := canvas.ResolveConflict(existing, shape); winner != shape {
		glog.V(1).Infof("[d]stale write %s at %d current %d\n", shape.ShapeId, shape.UpdatedAt, existing.UpdatedAt)
		return nil
	}
	if err := self.store.PutShape(shape); err != nil {
		return canvas.ErrUnavailable
	}

	self.broadcast(scope.WorkspaceId, &canvas.Frame{
		Type:  canvas.FrameTypeShapePut,
		Shape: shape,
	})
	return nil
}

func (self *hub) handleShapeRemove(scope *canvas.SessionScope, shapeId canvas.Id, updateTime canvas.UpdateTime) error {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()

	if err := self.store.RemoveShape(scope.WorkspaceId, shapeId, updateTime); err != nil {
		return canvas.ErrUnavailable
	}
	self.broadcast(scope.WorkspaceId, &canvas.Frame{
		Type:       canvas.FrameTypeShapeRemove,
		ShapeId:    &shapeId,
		UpdateTime: updateTime,
	})
	return nil
}

func (self *hub) handlePresencePut(scope *canvas.SessionScope, record *canvas.PresenceRecord) error {
	// each user owns their own presence keys
	if record.WorkspaceId != scope.WorkspaceId || record.UserId != scope.UserId {
		return canvas.ErrPermissionDenied
	}
	if err := record.Validate(); err != nil {
		return err
	}

	self.mutex.Lock()
	self.workspace(scope.WorkspaceId).presence[presenceKey{
		userId: record.UserId,
		kind:   record.Kind,
	}] = record.Copy()
	self.mutex.Unlock()

	self.broadcast(scope.WorkspaceId, &canvas.Frame{
		Type:     canvas.FrameTypePresencePut,
		Presence: record,
	})
	return nil
}

func (self *hub) handlePresenceRemove(scope *canvas.SessionScope, kind canvas.PresenceKind) error {
	self.mutex.Lock()
	delete(self.workspace(scope.WorkspaceId).presence, presenceKey{
		userId: scope.UserId,
		kind:   kind,
	})
	self.mutex.Unlock()

	userId := scope.UserId
	self.broadcast(scope.WorkspaceId, &canvas.Frame{
		Type:         canvas.FrameTypePresenceRemove,
		UserId:       &userId,
		PresenceKind: kind,
	})
	return nil
}

func (self *hub) broadcast(workspaceId canvas.Id, frame *canvas.Frame) {
	b := canvas.RequireEncodeFrame(frame)

	self.mutex.Lock()
	defer self.mutex.Unlock()

	for conn := range self.workspace(workspaceId).conns {
		conn.offer(b)
	}
}
