package internal

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// ErrMalformedPayload is returned by Decode for every payload that cannot be turned into an Operation.
var ErrMalformedPayload = errors.New("malformed operation payload")

// OperationType is the one byte tag in front of every encoded operation.
type OperationType uint8

const (
	OperationTPut    OperationType = iota + 1 // Insert or overwrite an entry.
	OperationTUpdate                          // Update an entry, inserting it when absent.
	OperationTDelete                          // Delete an entry.
)

func (ot OperationType) String() string {
	switch ot {
	case OperationTPut:
		return "Put"
	case OperationTUpdate:
		return "Update"
	case OperationTDelete:
		return "Delete"
	default:
		return fmt.Sprintf("Unknown(%d)", ot)
	}
}

// hasValue reports whether operations of this type carry a value field.
func (ot OperationType) hasValue() bool {
	return ot == OperationTPut || ot == OperationTUpdate
}

func (ot OperationType) valid() bool {
	return ot >= OperationTPut && ot <= OperationTDelete
}

// Operation is a single client mutation carried inside a raft log entry.
// Value is nil for OperationTDelete.
type Operation struct {
	Type  OperationType
	Key   []byte
	Value []byte
}

// NewPut creates a put operation.
func NewPut(key, value []byte) Operation {
	return Operation{Type: OperationTPut, Key: key, Value: nonNil(value)}
}

// NewUpdate creates an update operation.
func NewUpdate(key, value []byte) Operation {
	return Operation{Type: OperationTUpdate, Key: key, Value: nonNil(value)}
}

// NewDelete creates a delete operation.
func NewDelete(key []byte) Operation {
	return Operation{Type: OperationTDelete, Key: key}
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

const lenPrefix = 4

// SizeBytes returns the exact number of bytes Encode produces for this operation
func (op Operation) SizeBytes() int {
	size := 1 + lenPrefix + len(op.Key)
	if op.Type.hasValue() {
		size += lenPrefix + len(op.Value)
	}
	return size
}

// Encode serializes the operation with the format:
// 1 byte for the operation type,
// 4 bytes for the key length (big endian),
// N bytes for the key,
// and for put and update additionally
// 4 bytes for the value length (big endian),
// M bytes for the value.
func (op Operation) Encode() []byte {
	result := make([]byte, op.SizeBytes())
	result[0] = byte(op.Type)

	offset := 1
	binary.BigEndian.PutUint32(result[offset:], uint32(len(op.Key)))
	offset += lenPrefix
	offset += copy(result[offset:], op.Key)

	if op.Type.hasValue() {
		binary.BigEndian.PutUint32(result[offset:], uint32(len(op.Value)))
		offset += lenPrefix
		copy(result[offset:], op.Value)
	}
	return result
}

// Decode parses an encoded operation. Every error it returns wraps ErrMalformedPayload.
// The returned key and value do not alias data.
func Decode(data []byte) (Operation, error) {
	var op Operation
	if len(data) < 1 {
		return op, errors.Wrap(ErrMalformedPayload, "data too short for operation")
	}

	op.Type = OperationType(data[0])
	if !op.Type.valid() {
		return op, errors.Wrapf(ErrMalformedPayload, "unknown operation type %d", data[0])
	}

	key, rest, err := readField(data[1:], "key")
	if err != nil {
		return op, err
	}
	op.Key = key

	if op.Type.hasValue() {
		if len(rest) == 0 {
			return op, errors.Wrapf(ErrMalformedPayload, "%s operation without value", op.Type)
		}
		value, tail, err := readField(rest, "value")
		if err != nil {
			return op, err
		}
		op.Value = value
		rest = tail
	}

	if len(rest) != 0 {
		return op, errors.Wrapf(ErrMalformedPayload, "%d trailing bytes after %s operation", len(rest), op.Type)
	}
	return op, nil
}

// readField reads one length prefixed field and returns a copy of it plus the remaining bytes.
func readField(data []byte, name string) ([]byte, []byte, error) {
	if len(data) < lenPrefix {
		return nil, nil, errors.Wrapf(ErrMalformedPayload, "data too short for %s length", name)
	}
	n := binary.BigEndian.Uint32(data)
	data = data[lenPrefix:]
	if uint64(len(data)) < uint64(n) {
		return nil, nil, errors.Wrapf(ErrMalformedPayload, "data too short for %s of length %d", name, n)
	}
	field := make([]byte, n)
	copy(field, data[:n])
	return field, data[n:], nil
}
