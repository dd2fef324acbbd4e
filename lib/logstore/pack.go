package logstore

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// encodeEntry returns the record format shared by the bolt store and packs
func encodeEntry(e *Entry) ([]byte, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "encode log entry %d", e.Index)
	}
	return data, nil
}

func decodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(err, "decode log entry")
	}
	return &e, nil
}

// buildPack serializes entries with the format:
// 4 bytes for the entry count (int32, big endian),
// and per entry 4 bytes for the record size (int32, big endian) followed by the record.
func buildPack(entries []*Entry) ([]byte, error) {
	records := make([][]byte, len(entries))
	size := 4
	for i, e := range entries {
		record, err := encodeEntry(e)
		if err != nil {
			return nil, err
		}
		records[i] = record
		size += 4 + len(record)
	}

	pack := make([]byte, size)
	binary.BigEndian.PutUint32(pack, uint32(int32(len(records))))
	offset := 4
	for _, record := range records {
		binary.BigEndian.PutUint32(pack[offset:], uint32(int32(len(record))))
		offset += 4
		offset += copy(pack[offset:], record)
	}
	return pack, nil
}

// parsePack validates the whole pack before returning any entry, so a corrupt
// pack never leaves a half applied store behind.
func parsePack(pack []byte) ([]*Entry, error) {
	if len(pack) < 4 {
		return nil, errors.Wrap(ErrCorruptPack, "data too short for entry count")
	}
	count := int32(binary.BigEndian.Uint32(pack))
	if count <= 0 {
		return nil, errors.Wrapf(ErrCorruptPack, "invalid entry count %d", count)
	}

	rest := pack[4:]
	// every entry takes at least a size prefix and one byte
	entries := make([]*Entry, 0, min(int(count), len(rest)/5))
	for i := int32(0); i < count; i++ {
		if len(rest) < 4 {
			return nil, errors.Wrapf(ErrCorruptPack, "data too short for size of entry %d", i)
		}
		size := int32(binary.BigEndian.Uint32(rest))
		rest = rest[4:]
		if size <= 0 {
			return nil, errors.Wrapf(ErrCorruptPack, "invalid size %d of entry %d", size, i)
		}
		if int64(len(rest)) < int64(size) {
			return nil, errors.Wrapf(ErrCorruptPack, "data too short for entry %d of size %d", i, size)
		}
		e, err := decodeEntry(rest[:size])
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptPack, "entry %d: %v", i, err)
		}
		entries = append(entries, e)
		rest = rest[size:]
	}
	return entries, nil
}
