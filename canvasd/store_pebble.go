package main

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/golang/glog"

	"github.com/andychuong/collabcanvas/canvas"
)

// durable shape collection. One document per key:
//   s/<workspace_id>/<shape_id> -> shape document json
//   t/<workspace_id>/<shape_id> -> removal timestamp, big endian millis
// presence is ephemeral and never touches disk

type pebbleStore struct {
	db *pebble.DB
}

func openPebbleStore(dir string) (*pebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &pebbleStore{
		db: db,
	}, nil
}

func (self *pebbleStore) Close() error {
	return self.db.Close()
}

func shapeKey(workspaceId canvas.Id, shapeId canvas.Id) []byte {
	return []byte(fmt.Sprintf("s/%s/%s", workspaceId, shapeId))
}

func removeTimeKey(workspaceId canvas.Id, shapeId canvas.Id) []byte {
	return []byte(fmt.Sprintf("t/%s/%s", workspaceId, shapeId))
}

func (self *pebbleStore) GetShape(workspaceId canvas.Id, shapeId canvas.Id) (*canvas.Shape, error) {
	value, closer, err := self.db.Get(shapeKey(workspaceId, shapeId))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	return canvas.DecodeShape(value)
}

func (self *pebbleStore) PutShape(shape *canvas.Shape) error {
	b, err := canvas.EncodeShape(shape)
	if err != nil {
		return err
	}
	return self.db.Set(shapeKey(shape.WorkspaceId, shape.ShapeId), b, pebble.Sync)
}

func (self *pebbleStore) GetRemoveTime(workspaceId canvas.Id, shapeId canvas.Id) (canvas.UpdateTime, error) {
	value, closer, err := self.db.Get(removeTimeKey(workspaceId, shapeId))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(value) != 8 {
		return 0, fmt.Errorf("bad remove time value")
	}
	return canvas.UpdateTime(binary.BigEndian.Uint64(value)), nil
}

func (self *pebbleStore) RemoveShape(workspaceId canvas.Id, shapeId canvas.Id, removeTime canvas.UpdateTime) error {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(removeTime))

	batch := self.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(shapeKey(workspaceId, shapeId), nil); err != nil {
		return err
	}
	if err := batch.Set(removeTimeKey(workspaceId, shapeId), value, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// clears the removal tombstone when a strictly newer write recreates the
// document
func (self *pebbleStore) ClearRemoveTime(workspaceId canvas.Id, shapeId canvas.Id) error {
	return self.db.Delete(removeTimeKey(workspaceId, shapeId), pebble.Sync)
}

// streams every live document in the workspace
func (self *pebbleStore) EachShape(workspaceId canvas.Id, callback func(shape *canvas.Shape) error) error {
	lower := []byte(fmt.Sprintf("s/%s/", workspaceId))
	upper := []byte(fmt.Sprintf("s/%s0", workspaceId))
	iter, err := self.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		shape, err := canvas.DecodeShape(iter.Value())
		if err != nil {
			// a malformed document is dropped from the visible set,
			// never propagated as a crash
			glog.Infof("[d]dropped record %s = %s\n", iter.Key(), err)
			continue
		}
		if err := callback(shape); err != nil {
			return err
		}
	}
	return iter.Error()
}
