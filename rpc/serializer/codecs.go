package serializer

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrEmptyPayload is returned by the codec serializers for a zero length payload.
// None of their formats encodes a message in zero bytes.
var ErrEmptyPayload = errors.New("serializer: empty payload")

// NewJSONSerializer creates a serializer using json. Empty byte slices and
// lists are omitted and decode as nil.
func NewJSONSerializer() IRPCSerializer {
	return codec{
		name:   "json",
		encode: func(msg *common.Message) ([]byte, error) { return json.Marshal(msg) },
		decode: func(b []byte, msg *common.Message) error { return json.Unmarshal(b, msg) },
	}
}

// NewGOBSerializer creates a serializer using Go's gob format. Every message is
// a self describing gob stream, which makes it the largest format.
func NewGOBSerializer() IRPCSerializer {
	return codec{
		name: "gob",
		encode: func(msg *common.Message) ([]byte, error) {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		decode: func(b []byte, msg *common.Message) error {
			return gob.NewDecoder(bytes.NewReader(b)).Decode(msg)
		},
	}
}

// NewMsgpackSerializer creates a serializer using the msgpack struct tags of
// common.Message.
func NewMsgpackSerializer() IRPCSerializer {
	return codec{
		name:   "msgpack",
		encode: func(msg *common.Message) ([]byte, error) { return msgpack.Marshal(msg) },
		decode: func(b []byte, msg *common.Message) error { return msgpack.Unmarshal(b, msg) },
	}
}

// codec adapts a generic marshaller to IRPCSerializer. A message that fails to
// decode is left zeroed, never half filled.
type codec struct {
	name   string
	encode func(msg *common.Message) ([]byte, error)
	decode func(b []byte, msg *common.Message) error
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (c codec) Serialize(msg common.Message) ([]byte, error) {
	data, err := c.encode(&msg)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: encode %s", c.name, msg.MsgType)
	}
	return data, nil
}

func (c codec) Deserialize(b []byte, msg *common.Message) error {
	*msg = common.Message{}
	if len(b) == 0 {
		return errors.Wrap(ErrEmptyPayload, c.name)
	}
	if err := c.decode(b, msg); err != nil {
		*msg = common.Message{}
		return errors.Wrapf(err, "%s: decode message", c.name)
	}
	return nil
}
