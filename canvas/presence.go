package canvas

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
)

type PresenceSettings struct {
	// trailing debounce per record kind. Cursor and selection updates are
	// allowed at a higher rate than shape writes. No maximum-wait ceiling:
	// staleness, not correctness, is the only risk
	PublishDebounceTimeout time.Duration
	// a record with no update for longer than this is reported offline
	// even without an explicit removal event
	StaleTimeout time.Duration
	// interval for status heartbeats
	HeartbeatTimeout time.Duration

	ResubscribeMinTimeout time.Duration
	ResubscribeMaxTimeout time.Duration
}

func DefaultPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		PublishDebounceTimeout: 75 * time.Millisecond,
		StaleTimeout:           10 * time.Second,
		HeartbeatTimeout:       4 * time.Second,
		ResubscribeMinTimeout:  500 * time.Millisecond,
		ResubscribeMaxTimeout:  15 * time.Second,
	}
}

// the rendered view of one remote user
type PresenceState struct {
	UserId   Id
	Online   bool
	Cursor   *Cursor
	ShapeIds []Id
	// latest update time across the user's records
	UpdateTime UpdateTime
}

type PresenceFunction func(state *PresenceState)

type pendingPublish struct {
	record      *PresenceRecord
	publishTime time.Time
}

// parallel, lower-durability broadcast of cursor position, online status,
// and per-user selection sets. No optimistic overlay and no conflict
// resolution: each user exclusively owns their own presence keys
type PresenceChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	scope    *SessionScope
	store    PresenceStore
	settings *PresenceSettings

	publishes chan *PresenceRecord

	stateLock sync.Mutex
	// user id -> kind -> latest record
	records map[Id]map[PresenceKind]*PresenceRecord
	// users already reported offline by the staleness sweep
	reportedOffline map[Id]bool

	presenceCallbacks *CallbackList[PresenceFunction]
}

func NewPresenceChannelWithDefaults(ctx context.Context, scope *SessionScope, store PresenceStore) *PresenceChannel {
	return NewPresenceChannel(ctx, scope, store, DefaultPresenceSettings())
}

func NewPresenceChannel(ctx context.Context, scope *SessionScope, store PresenceStore, settings *PresenceSettings) *PresenceChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &PresenceChannel{
		ctx:               cancelCtx,
		cancel:            cancel,
		scope:             scope,
		store:             store,
		settings:          settings,
		publishes:         make(chan *PresenceRecord, 128),
		records:           map[Id]map[PresenceKind]*PresenceRecord{},
		reportedOffline:   map[Id]bool{},
		presenceCallbacks: NewCallbackList[PresenceFunction](),
	}
	go channel.run()
	return channel
}

func (self *PresenceChannel) PublishCursor(x float64, y float64) {
	self.post(&PresenceRecord{
		WorkspaceId: self.scope.WorkspaceId,
		UserId:      self.scope.UserId,
		Kind:        PresenceKindCursor,
		Cursor: &Cursor{
			X: x,
			Y: y,
		},
	})
}

func (self *PresenceChannel) PublishSelection(shapeIds []Id) {
	self.post(&PresenceRecord{
		WorkspaceId: self.scope.WorkspaceId,
		UserId:      self.scope.UserId,
		Kind:        PresenceKindSelection,
		ShapeIds:    shapeIds,
	})
}

func (self *PresenceChannel) post(record *PresenceRecord) {
	select {
	case self.publishes <- record:
	case <-self.ctx.Done():
	}
}

func (self *PresenceChannel) AddPresenceCallback(presenceCallback PresenceFunction) int {
	return self.presenceCallbacks.Add(presenceCallback)
}

func (self *PresenceChannel) RemovePresenceCallback(callbackId int) {
	self.presenceCallbacks.Remove(callbackId)
}

// the combined view per user, staleness applied
func (self *PresenceChannel) PresenceStates() []*PresenceState {
	return self.presenceStates(time.Now())
}

func (self *PresenceChannel) presenceStates(now time.Time) []*PresenceState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	states := []*PresenceState{}
	for userId := range self.records {
		states = append(states, self.presenceState(userId, now))
	}
	sort.Slice(states, func(i int, j int) bool {
		return states[i].UserId.String() < states[j].UserId.String()
	})
	return states
}

// must be called inside the state lock
func (self *PresenceChannel) presenceState(userId Id, now time.Time) *PresenceState {
	state := &PresenceState{
		UserId: userId,
	}
	for _, record := range self.records[userId] {
		if state.UpdateTime < record.UpdateTime {
			state.UpdateTime = record.UpdateTime
		}
		switch record.Kind {
		case PresenceKindCursor:
			state.Cursor = record.Cursor
		case PresenceKindSelection:
			state.ShapeIds = record.ShapeIds
		}
	}
	staleTime := now.Add(-self.settings.StaleTimeout).UnixMilli()
	state.Online = staleTime < state.UpdateTime
	return state
}

// explicit removal on graceful disconnect
func (self *PresenceChannel) Leave() {
	leaveCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, kind := range []PresenceKind{PresenceKindCursor, PresenceKindSelection, PresenceKindStatus} {
		self.store.RemovePresence(leaveCtx, self.scope, kind)
	}
	self.cancel()
}

func (self *PresenceChannel) Close() {
	self.cancel()
}

func (self *PresenceChannel) run() {
	var sub *PresenceSubscription
	var subEvents <-chan *PresenceEvent
	var resubC <-chan time.Time
	resubscribe := NewExpandingReconnect(self.settings.ResubscribeMinTimeout, self.settings.ResubscribeMaxTimeout)

	trySubscribe := func() {
		s, err := self.store.SubscribePresence(self.ctx, self.scope)
		if err != nil {
			glog.Infof("[pr]%s subscribe error = %s\n", self.scope.SessionId, err)
			resubC = resubscribe.After()
			return
		}
		sub = s
		subEvents = s.Events()
		resubscribe.Reset()
	}

	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()

	trySubscribe()

	// kind -> latest desired record, trailing debounce
	pending := map[PresenceKind]*pendingPublish{}
	nextPublishTime := func(now time.Time) (publishTime time.Time, ok bool) {
		for _, publish := range pending {
			t := publish.publishTime
			if t.Before(now) {
				t = now
			}
			if !ok || t.Before(publishTime) {
				publishTime = t
				ok = true
			}
		}
		return
	}

	heartbeat := time.NewTicker(self.settings.HeartbeatTimeout)
	defer heartbeat.Stop()
	staleSweep := time.NewTicker(self.settings.StaleTimeout / 4)
	defer staleSweep.Stop()

	// the initial status record makes the user visible before any cursor move
	self.publish(&PresenceRecord{
		WorkspaceId: self.scope.WorkspaceId,
		UserId:      self.scope.UserId,
		Kind:        PresenceKindStatus,
		Online:      true,
	})

	for {
		var publishC <-chan time.Time
		now := time.Now()
		if publishTime, ok := nextPublishTime(now); ok {
			publishC = time.After(publishTime.Sub(now))
		}

		select {
		case <-self.ctx.Done():
			return
		case <-resubC:
			resubC = nil
			trySubscribe()
		case event, ok := <-subEvents:
			if !ok {
				glog.Infof("[pr]%s subscription lost\n", self.scope.SessionId)
				sub = nil
				subEvents = nil
				resubC = resubscribe.After()
				continue
			}
			self.applyEvent(event)
		case record := <-self.publishes:
			// each new publish inside the window replaces the pending
			// payload and resets the window
			pending[record.Kind] = &pendingPublish{
				record:      record,
				publishTime: time.Now().Add(self.settings.PublishDebounceTimeout),
			}
		case <-publishC:
			now := time.Now()
			for kind, publish := range pending {
				if publish.publishTime.After(now) {
					continue
				}
				delete(pending, kind)
				self.publish(publish.record)
			}
		case <-heartbeat.C:
			self.publish(&PresenceRecord{
				WorkspaceId: self.scope.WorkspaceId,
				UserId:      self.scope.UserId,
				Kind:        PresenceKindStatus,
				Online:      true,
			})
		case <-staleSweep.C:
			self.sweepStale(time.Now())
		}
	}
}

func (self *PresenceChannel) publish(record *PresenceRecord) {
	record.UpdateTime = NowUpdateTime()
	err := self.store.PublishPresence(self.ctx, self.scope, record)
	if err != nil {
		// ephemeral data, no retry. The next heartbeat or cursor move
		// refreshes the record
		glog.V(1).Infof("[pr]%s publish error = %s\n", self.scope.SessionId, err)
		return
	}
	glog.V(2).Infof("[pr]%s-> %s\n", self.scope.SessionId, record.Kind)
}

func (self *PresenceChannel) applyEvent(event *PresenceEvent) {
	if event.UserId == self.scope.UserId {
		// own records are not rendered
		return
	}

	self.stateLock.Lock()
	switch event.Type {
	case PresenceEventPut:
		if event.Record == nil || event.Record.Validate() != nil {
			self.stateLock.Unlock()
			glog.Infof("[pr]dropped record %s %s\n", event.Kind, event.UserId)
			return
		}
		userRecords, ok := self.records[event.UserId]
		if !ok {
			userRecords = map[PresenceKind]*PresenceRecord{}
			self.records[event.UserId] = userRecords
		}
		userRecords[event.Kind] = event.Record
		delete(self.reportedOffline, event.UserId)
	case PresenceEventRemoved:
		if userRecords, ok := self.records[event.UserId]; ok {
			delete(userRecords, event.Kind)
			if len(userRecords) == 0 {
				delete(self.records, event.UserId)
			}
		}
	}
	state := self.presenceState(event.UserId, time.Now())
	self.stateLock.Unlock()

	self.emit(state)
}

// reports users whose records went stale as offline, once per stale period
func (self *PresenceChannel) sweepStale(now time.Time) {
	self.stateLock.Lock()
	stale := []*PresenceState{}
	for userId := range self.records {
		state := self.presenceState(userId, now)
		if !state.Online && !self.reportedOffline[userId] {
			self.reportedOffline[userId] = true
			stale = append(stale, state)
		}
	}
	self.stateLock.Unlock()

	for _, state := range stale {
		glog.V(1).Infof("[pr]stale %s\n", state.UserId)
		self.emit(state)
	}
}

func (self *PresenceChannel) emit(state *PresenceState) {
	for _, presenceCallback := range self.presenceCallbacks.Get() {
		func() {
			defer recover()
			presenceCallback(state)
		}()
	}
}
