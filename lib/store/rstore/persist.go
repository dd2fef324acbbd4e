package rstore

import (
	"encoding/binary"
	"io"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
)

// Snapshots are written to the snapshot store as a sequence of frames, one per
// logical object:
//
//	- 1 byte: 1 for the last object, 0 otherwise
//	- 4 bytes: object length (uint32, big endian)
//	- N bytes: object
const frameHeader = 5

// fsmSnapshot streams a logical snapshot into the snapshot store
type fsmSnapshot struct {
	fsm  *KVStateMachine
	meta SnapshotMeta
	done <-chan error
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := <-s.done; err != nil {
		_ = sink.Cancel()
		return err
	}
	last := false
	for objID := uint64(0); !last; objID++ {
		var data []byte
		var err error
		data, last, err = s.fsm.ReadLogicalObject(s.meta.Index, objID)
		if err == nil {
			err = writeFrame(sink, data, last)
		}
		if err != nil {
			_ = sink.Cancel()
			return errors.Wrapf(err, "persist snapshot %d object %d", s.meta.Index, objID)
		}
	}
	return sink.Close()
}

// Release is a no-op: captured state stays in the snapshot map until it is evicted.
func (s *fsmSnapshot) Release() {}

func writeFrame(w io.Writer, data []byte, last bool) error {
	var header [frameHeader]byte
	if last {
		header[0] = 1
	}
	binary.BigEndian.PutUint32(header[1:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, bool, error) {
	var header [frameHeader]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, false, err
	}
	if header[0] > 1 {
		return nil, false, errors.Errorf("invalid frame flag %d", header[0])
	}
	data := make([]byte, binary.BigEndian.Uint32(header[1:]))
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, false, err
	}
	return data, header[0] == 1, nil
}
