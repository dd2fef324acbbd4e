package serializer

import (
	"fmt"

	"github.com/ValentinKolb/rKV/rpc/common"
)

// IRPCSerializer is the interface for all Message Serializers
type IRPCSerializer interface {
	// Serialize serializes a Message into a byte array
	// It returns the serialized byte array and an error if any
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize deserializes a byte array into a Message. Fields of msg that
	// are not present in b are reset.
	Deserialize(b []byte, msg *common.Message) error
}

// New returns the serializer with the given name: binary, json, gob or msgpack.
func New(name string) (IRPCSerializer, error) {
	switch name {
	case "binary", "":
		return NewBinarySerializer(), nil
	case "json":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	case "msgpack":
		return NewMsgpackSerializer(), nil
	default:
		return nil, fmt.Errorf("unknown serializer %q, must be one of binary, json, gob, msgpack", name)
	}
}
