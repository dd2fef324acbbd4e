package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/rKV/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
//
// Layout: 1 byte message type, 2 bytes field flags (big endian), then every
// present field in flag order. Byte and string fields are length prefixed with
// an uint32, integers are big endian.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasKey            uint16 = 1 << 0
	hasValue          uint16 = 1 << 1
	hasServerID       uint16 = 1 << 2
	hasEndpoint       uint16 = 1 << 3
	hasClientEndpoint uint16 = 1 << 4
	hasServers        uint16 = 1 << 5
	hasStorageRC      uint16 = 1 << 6
	hasConsensusRC    uint16 = 1 << 7
	hasMsg            uint16 = 1 << 8
	hasOk             uint16 = 1 << 9
	hasErr            uint16 = 1 << 10
)

const headerSize = 3

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	w := writer{buf: make([]byte, headerSize, b.sizeBytes(msg))}
	w.buf[0] = byte(msg.MsgType)

	var flags uint16
	if msg.Key != nil {
		flags |= hasKey
		w.bytes(msg.Key)
	}
	if msg.Value != nil {
		flags |= hasValue
		w.bytes(msg.Value)
	}
	if msg.ServerID != 0 {
		flags |= hasServerID
		w.int32(msg.ServerID)
	}
	if msg.Endpoint != "" {
		flags |= hasEndpoint
		w.string(msg.Endpoint)
	}
	if msg.ClientEndpoint != "" {
		flags |= hasClientEndpoint
		w.string(msg.ClientEndpoint)
	}
	if msg.Servers != nil {
		flags |= hasServers
		w.uint32(uint32(len(msg.Servers)))
		for _, s := range msg.Servers {
			w.int32(s.ID)
			w.string(s.Endpoint)
		}
	}
	if msg.StorageRC != 0 {
		flags |= hasStorageRC
		w.int32(msg.StorageRC)
	}
	if msg.ConsensusRC != 0 {
		flags |= hasConsensusRC
		w.int32(msg.ConsensusRC)
	}
	if msg.Msg != "" {
		flags |= hasMsg
		w.string(msg.Msg)
	}
	if msg.Ok {
		flags |= hasOk
		w.buf = append(w.buf, 1)
	}
	if msg.Err != "" {
		flags |= hasErr
		w.string(msg.Err)
	}

	// Set flags after knowing which fields are present
	binary.BigEndian.PutUint16(w.buf[1:3], flags)
	return w.buf, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}
	*msg = common.Message{MsgType: common.MessageType(data[0])}
	flags := binary.BigEndian.Uint16(data[1:3])
	r := reader{data: data, pos: headerSize}

	if flags&hasKey != 0 {
		msg.Key = r.bytes("key")
	}
	if flags&hasValue != 0 {
		msg.Value = r.bytes("value")
	}
	if flags&hasServerID != 0 {
		msg.ServerID = r.int32("server id")
	}
	if flags&hasEndpoint != 0 {
		msg.Endpoint = r.string("endpoint")
	}
	if flags&hasClientEndpoint != 0 {
		msg.ClientEndpoint = r.string("client endpoint")
	}
	if flags&hasServers != 0 {
		n := r.uint32("server count")
		if r.err == nil && int(n) > (len(data)-r.pos)/8 {
			return fmt.Errorf("data too short for %d servers", n)
		}
		msg.Servers = make([]common.ServerInfo, 0, n)
		for i := uint32(0); i < n && r.err == nil; i++ {
			id := r.int32("server id")
			ep := r.string("server endpoint")
			msg.Servers = append(msg.Servers, common.ServerInfo{ID: id, Endpoint: ep})
		}
	}
	if flags&hasStorageRC != 0 {
		msg.StorageRC = r.int32("storage rc")
	}
	if flags&hasConsensusRC != 0 {
		msg.ConsensusRC = r.int32("consensus rc")
	}
	if flags&hasMsg != 0 {
		msg.Msg = r.string("msg")
	}
	if flags&hasOk != 0 {
		if r.need(1, "ok flag") {
			msg.Ok = data[r.pos] != 0
			r.pos++
		}
	}
	if flags&hasErr != 0 {
		msg.Err = r.string("error")
	}

	if r.err != nil {
		return r.err
	}
	if r.pos != len(data) {
		return fmt.Errorf("%d trailing bytes after message", len(data)-r.pos)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := headerSize
	if msg.Key != nil {
		size += 4 + len(msg.Key)
	}
	if msg.Value != nil {
		size += 4 + len(msg.Value)
	}
	if msg.ServerID != 0 {
		size += 4
	}
	if msg.Endpoint != "" {
		size += 4 + len(msg.Endpoint)
	}
	if msg.ClientEndpoint != "" {
		size += 4 + len(msg.ClientEndpoint)
	}
	if msg.Servers != nil {
		size += 4
		for _, s := range msg.Servers {
			size += 4 + 4 + len(s.Endpoint)
		}
	}
	if msg.StorageRC != 0 {
		size += 4
	}
	if msg.ConsensusRC != 0 {
		size += 4
	}
	if msg.Msg != "" {
		size += 4 + len(msg.Msg)
	}
	if msg.Ok {
		size++
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}
	return size
}

type writer struct {
	buf []byte
}

func (w *writer) uint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) int32(v int32) {
	w.uint32(uint32(v))
}

func (w *writer) bytes(v []byte) {
	w.uint32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *writer) string(v string) {
	w.uint32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

// reader decodes fields until the first error, later reads are no-ops
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) need(n int, field string) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("data too short for %s", field)
		return false
	}
	return true
}

func (r *reader) uint32(field string) uint32 {
	if !r.need(4, field) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) int32(field string) int32 {
	return int32(r.uint32(field))
}

func (r *reader) bytes(field string) []byte {
	n := int(r.uint32(field + " length"))
	if !r.need(n, field+" data") {
		return nil
	}
	// copy, the input buffer is reused by the transport
	v := make([]byte, n)
	copy(v, r.data[r.pos:r.pos+n])
	r.pos += n
	return v
}

func (r *reader) string(field string) string {
	n := int(r.uint32(field + " length"))
	if !r.need(n, field+" data") {
		return ""
	}
	v := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return v
}
