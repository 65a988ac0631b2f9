package canvas

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestOverlayApplyAndResolve(t *testing.T) {
	clock := NewSessionClock()
	overlay := NewOptimisticOverlay("sa", clock)

	shapeId := NewId()
	remote := &Shape{
		ShapeId:   shapeId,
		Kind:      ShapeKindRectangle,
		X:         10,
		Y:         10,
		UpdatedAt: 1000,
		UpdatedBy: "sb",
	}
	clock.Observe(remote.UpdatedAt)

	// no entry, the remote value is visible
	assert.Equal(t, overlay.VisibleState(shapeId, remote), remote)

	x := 50.0
	pending := overlay.Apply(remote, &ShapePatch{X: &x})
	assert.Equal(t, pending.X, 50.0)
	assert.Equal(t, pending.Y, 10.0)
	assert.Equal(t, pending.UpdatedBy, "sa")
	assert.Equal(t, remote.UpdatedAt < pending.UpdatedAt, true)

	// the pending entry shadows the stale remote value
	assert.Equal(t, overlay.VisibleState(shapeId, remote), pending)
	assert.Equal(t, overlay.Len(), 1)

	// an older remote does not clear the entry
	assert.Equal(t, overlay.Resolve(shapeId, remote), false)
	assert.Equal(t, overlay.Len(), 1)

	// our own write echoed back clears it
	echo := pending.Copy()
	assert.Equal(t, overlay.Resolve(shapeId, echo), true)
	assert.Equal(t, overlay.Len(), 0)
	assert.Equal(t, overlay.VisibleState(shapeId, echo), echo)
}

func TestOverlayNewerRemoteSupersedes(t *testing.T) {
	clock := NewSessionClock()
	overlay := NewOptimisticOverlay("sa", clock)

	shapeId := NewId()
	base := &Shape{
		ShapeId:   shapeId,
		Kind:      ShapeKindCircle,
		Radius:    5,
		UpdatedAt: 1000,
	}
	x := 1.0
	pending := overlay.Apply(base, &ShapePatch{X: &x})

	newer := base.Copy()
	newer.UpdatedAt = pending.UpdatedAt + 1
	newer.UpdatedBy = "sb"

	assert.Equal(t, overlay.Resolve(shapeId, newer), true)
	assert.Equal(t, overlay.VisibleState(shapeId, newer), newer)
}

func TestOverlayPutAndRemove(t *testing.T) {
	clock := NewSessionClock()
	overlay := NewOptimisticOverlay("sa", clock)

	shape := &Shape{
		ShapeId: NewId(),
		Kind:    ShapeKindText,
		Text:    "hi",
	}
	pending := overlay.Put(shape)
	assert.Equal(t, pending.UpdatedBy, "sa")
	assert.Equal(t, 0 < pending.UpdatedAt, true)
	// put copies, the caller's value is untouched
	assert.Equal(t, shape.UpdatedAt, UpdateTime(0))

	entry, ok := overlay.Get(shape.ShapeId)
	assert.Equal(t, ok, true)
	assert.Equal(t, entry, pending)
	assert.Equal(t, overlay.PendingIds(), []Id{shape.ShapeId})

	overlay.Remove(shape.ShapeId)
	assert.Equal(t, overlay.Len(), 0)
	assert.Equal(t, overlay.VisibleState(shape.ShapeId, nil), nil)
}
