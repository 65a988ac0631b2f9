package canvas

import (
	"math/rand"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex          sync.Mutex
	callbackIds    []int
	callbacks      []T
	nextCallbackId int
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1

	nextCallbackIds := slices.Clone(self.callbackIds)
	nextCallbacks := slices.Clone(self.callbacks)
	self.callbackIds = append(nextCallbackIds, callbackId)
	self.callbacks = append(nextCallbacks, callback)
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = slices.Delete(slices.Clone(self.callbackIds), i, i+1)
	self.callbacks = slices.Delete(slices.Clone(self.callbacks), i, i+1)
}

// note all callbacks are invoked wrapped to recover from errors
func HandleCallback(callback func()) {
	defer recover()
	callback()
}

type Reconnect struct {
	timeout time.Duration
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	// +/- 20% jitter to avoid reconnect storms
	jitter := time.Duration((rand.Float64() - 0.5) * 0.4 * float64(self.timeout))
	return time.After(self.timeout + jitter)
}

// expanding timeout for repeated attempts, doubling up to a maximum
type ExpandingReconnect struct {
	minTimeout time.Duration
	maxTimeout time.Duration

	attempt int
}

func NewExpandingReconnect(minTimeout time.Duration, maxTimeout time.Duration) *ExpandingReconnect {
	return &ExpandingReconnect{
		minTimeout: minTimeout,
		maxTimeout: maxTimeout,
	}
}

func (self *ExpandingReconnect) After() <-chan time.Time {
	timeout := self.minTimeout << self.attempt
	if self.maxTimeout < timeout || timeout < self.minTimeout {
		timeout = self.maxTimeout
	}
	self.attempt += 1
	return NewReconnect(timeout).After()
}

func (self *ExpandingReconnect) Reset() {
	self.attempt = 0
}
