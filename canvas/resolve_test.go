package canvas

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestResolveConflict(t *testing.T) {
	shapeId := NewId()
	workspaceId := NewId()

	a := &Shape{
		ShapeId:     shapeId,
		WorkspaceId: workspaceId,
		Kind:        ShapeKindRectangle,
		X:           100,
		UpdatedAt:   1005,
		UpdatedBy:   "sa",
	}
	b := &Shape{
		ShapeId:     shapeId,
		WorkspaceId: workspaceId,
		Kind:        ShapeKindRectangle,
		Fill:        "#ff0000",
		UpdatedAt:   1003,
		UpdatedBy:   "sb",
	}

	// the larger updated at wins, whole document
	assert.Equal(t, ResolveConflict(a, b), a)
	assert.Equal(t, ResolveConflict(b, a), a)
	assert.Equal(t, ResolveConflict(a, b).Fill, "")

	// nil is never the winner over a value
	assert.Equal(t, ResolveConflict(nil, b), b)
	assert.Equal(t, ResolveConflict(a, nil), a)
	assert.Equal(t, ResolveConflict(nil, nil), nil)
}

func TestResolveConflictTie(t *testing.T) {
	shapeId := NewId()

	a := &Shape{
		ShapeId:   shapeId,
		UpdatedAt: 2000,
		UpdatedBy: "aaaa",
	}
	b := &Shape{
		ShapeId:   shapeId,
		UpdatedAt: 2000,
		UpdatedBy: "bbbb",
	}

	// on an exact tie the smaller session id wins on every replica
	assert.Equal(t, ResolveConflict(a, b), a)
	assert.Equal(t, ResolveConflict(b, a), a)
}

func TestResolveConflictOrderIndependent(t *testing.T) {
	shapeId := NewId()

	versions := []*Shape{
		{ShapeId: shapeId, UpdatedAt: 10, UpdatedBy: "s3"},
		{ShapeId: shapeId, UpdatedAt: 30, UpdatedBy: "s1"},
		{ShapeId: shapeId, UpdatedAt: 30, UpdatedBy: "s0"},
		{ShapeId: shapeId, UpdatedAt: 20, UpdatedBy: "s2"},
	}

	// fold in forward and reverse order. Every replica must land on the
	// identical final value
	var forward *Shape
	for _, version := range versions {
		forward = ResolveConflict(forward, version)
	}
	var reverse *Shape
	for i := len(versions) - 1; 0 <= i; i -= 1 {
		reverse = ResolveConflict(reverse, versions[i])
	}

	assert.Equal(t, forward, reverse)
	assert.Equal(t, forward.UpdatedAt, UpdateTime(30))
	assert.Equal(t, forward.UpdatedBy, "s0")
}

func TestRemoteSupersedes(t *testing.T) {
	pending := &Shape{UpdatedAt: 1000}

	// equal means our own write came back
	assert.Equal(t, RemoteSupersedes(&Shape{UpdatedAt: 1000}, pending), true)
	assert.Equal(t, RemoteSupersedes(&Shape{UpdatedAt: 1001}, pending), true)
	assert.Equal(t, RemoteSupersedes(&Shape{UpdatedAt: 999}, pending), false)

	assert.Equal(t, RemoteSupersedes(nil, pending), false)
	assert.Equal(t, RemoteSupersedes(&Shape{UpdatedAt: 1}, nil), true)
}
