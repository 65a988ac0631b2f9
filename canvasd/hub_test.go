package main

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/andychuong/collabcanvas/canvas"
)

func TestHubSnapshotDelivery(t *testing.T) {
	store := openTestStore(t)
	workspaceId := canvas.NewId()

	shapeCount := 20
	for i := 0; i < shapeCount; i += 1 {
		shape := testShape(workspaceId, canvas.UpdateTime(1000+i))
		assert.Equal(t, store.PutShape(shape), nil)
	}

	h := newHub(store, []byte("secret"), defaultHubSettings())
	conn := &hubConn{
		scope: canvas.NewSessionScope(workspaceId, canvas.NewId()),
		// far smaller than the snapshot. Delivery must backpressure, never
		// drop
		send: make(chan []byte, 2),
	}

	done := make(chan error, 1)
	go func() {
		done <- h.handleSub(conn)
	}()

	received := 0
	sawEnd := false
	for !sawEnd {
		select {
		case b := <-conn.send:
			frame, err := canvas.DecodeFrame(b)
			assert.Equal(t, err, nil)
			switch frame.Type {
			case canvas.FrameTypeShapePut:
				received += 1
			case canvas.FrameTypeSnapshotEnd:
				sawEnd = true
			}
		case <-time.After(time.Second):
			t.Fatal("timeout draining snapshot")
		}
	}

	assert.Equal(t, <-done, nil)
	assert.Equal(t, received, shapeCount)
}

func TestHubSnapshotStalledConsumer(t *testing.T) {
	store := openTestStore(t)
	workspaceId := canvas.NewId()
	assert.Equal(t, store.PutShape(testShape(workspaceId, 1000)), nil)
	assert.Equal(t, store.PutShape(testShape(workspaceId, 2000)), nil)

	settings := defaultHubSettings()
	settings.writeTimeout = 50 * time.Millisecond
	h := newHub(store, []byte("secret"), settings)
	conn := &hubConn{
		scope: canvas.NewSessionScope(workspaceId, canvas.NewId()),
		send:  make(chan []byte, 1),
	}

	// nothing drains the connection. The snapshot fails rather than
	// silently dropping documents
	err := h.handleSub(conn)
	assert.Equal(t, canvas.IsUnavailable(err), true)
}
