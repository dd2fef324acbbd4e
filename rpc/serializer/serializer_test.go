package serializer

import (
	"reflect"
	"strings"
	"testing"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/pkg/errors"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":    NewJSONSerializer,
	"GOB":     NewGOBSerializer,
	"Binary":  NewBinarySerializer,
	"Msgpack": NewMsgpackSerializer,
}

// testMessages creates a set of test messages with different fields filled
func testMessages() []common.Message {
	return []common.Message{
		// Basic message with just a type
		{MsgType: common.MsgTSuccess},

		// Ping response
		{MsgType: common.MsgTPing, Msg: common.PingReply},

		// Put request with binary key and value
		{
			MsgType: common.MsgTKVPut,
			Key:     []byte{0, 1, 2, 255},
			Value:   []byte("test-value"),
		},

		// Get response for a missing key
		{
			MsgType:   common.MsgTKVGet,
			StorageRC: 2,
		},

		// Commit response with negative consensus code
		{
			MsgType:     common.MsgTKVDelete,
			StorageRC:   2,
			ConsensusRC: -3,
			Msg:         "node is not the leader",
		},

		// Leader id without a live leader
		{MsgType: common.MsgTGetLeaderID, ServerID: -1},

		// Server list
		{
			MsgType: common.MsgTGetAllServers,
			Servers: []common.ServerInfo{
				{ID: 1, Endpoint: "localhost:10002"},
				{ID: 2, Endpoint: "/tmp/rkv-2.sock"},
				{ID: 3, Endpoint: ""},
			},
		},

		// Join request
		{
			MsgType:        common.MsgTJoin,
			ServerID:       4,
			Endpoint:       "10.0.0.4:10001",
			ClientEndpoint: "10.0.0.4:10002",
		},

		// Cache dump response
		{MsgType: common.MsgTDumpCache, Ok: true},

		// Error response
		{
			MsgType: common.MsgTError,
			Err:     "test error message",
		},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	messages := testMessages()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range messages {
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				var result common.Message
				if err := serializer.Deserialize(data, &result); err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				if !reflect.DeepEqual(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, msg, result)
				}
			}
		})
	}
}

// TestDeserializeResets tests that a reused message does not keep fields of the previous one
func TestDeserializeResets(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()
			data, err := serializer.Serialize(common.Message{MsgType: common.MsgTPing})
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			msg := common.Message{MsgType: common.MsgTKVGet, Key: []byte("stale"), StorageRC: 2, Ok: true}
			if err := serializer.Deserialize(data, &msg); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}
			if !reflect.DeepEqual(msg, common.Message{MsgType: common.MsgTPing}) {
				t.Errorf("Deserialize() kept stale fields: %+v", msg)
			}
		})
	}
}

// TestMessageTypes tests each message type with each serializer
func TestMessageTypes(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for msgType := common.MsgTSuccess; msgType <= common.MsgTJoin; msgType++ {
				data, err := serializer.Serialize(common.Message{MsgType: msgType})
				if err != nil {
					t.Errorf("Failed to serialize message type %s: %v", msgType, err)
					continue
				}

				var result common.Message
				if err := serializer.Deserialize(data, &result); err != nil {
					t.Errorf("Failed to deserialize message type %s: %v", msgType, err)
					continue
				}
				if result.MsgType != msgType {
					t.Errorf("Message type doesn't match after round trip: Expected %s, got %s", msgType, result.MsgType)
				}
			}
		})
	}
}

// TestBinaryEmptySlices tests that the binary serializer keeps empty but non nil byte slices
func TestBinaryEmptySlices(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name string
		msg  common.Message
	}{
		{"Empty key", common.Message{MsgType: common.MsgTKVGet, Key: []byte{}}},
		{"Empty value", common.Message{MsgType: common.MsgTKVPut, Key: []byte("k"), Value: []byte{}}},
		{"Empty server list", common.Message{MsgType: common.MsgTGetAllServers, Servers: []common.ServerInfo{}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := serializer.Serialize(tc.msg)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}
			var result common.Message
			if err := serializer.Deserialize(data, &result); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}
			if !reflect.DeepEqual(tc.msg, result) {
				t.Errorf("Message doesn't match after round trip:\nOriginal: %+v\nResult: %+v", tc.msg, result)
			}
		})
	}
}

// TestBinarySize tests that the precomputed size matches the encoding
func TestBinarySize(t *testing.T) {
	serializer := binarySerializerImpl{}
	for i, msg := range testMessages() {
		data, err := serializer.Serialize(msg)
		if err != nil {
			t.Fatalf("Failed to serialize message %d: %v", i, err)
		}
		if size := serializer.sizeBytes(msg); size != len(data) {
			t.Errorf("message %d: sizeBytes() = %d, encoded %d bytes", i, size, len(data))
		}
	}
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectError: true,
		},
		{
			name:        "Too short header",
			data:        []byte{1, 0}, // Message type and half of the flags
			expectError: true,
		},
		{
			name:        "Valid header only",
			data:        []byte{1, 0, 0},
			expectError: false,
		},
		{
			name:        "Invalid length for key",
			data:        []byte{1, 0, 1, 0, 0, 0, 5, 'a', 'b', 'c'}, // Claims key length 5 but only 3 bytes provided
			expectError: true,
		},
		{
			name:        "Invalid length for value",
			data:        []byte{1, 0, 2, 0, 0, 0, 10}, // Claims value length 10 but no bytes provided
			expectError: true,
		},
		{
			name:        "Truncated server id",
			data:        []byte{1, 0, 4, 0, 0},
			expectError: true,
		},
		{
			name:        "Server count overruns buffer",
			data:        []byte{1, 0, 32, 0xff, 0xff, 0xff, 0xff},
			expectError: true,
		},
		{
			name:        "Missing ok byte",
			data:        []byte{1, 2, 0},
			expectError: true,
		},
		{
			name:        "Trailing bytes",
			data:        []byte{1, 0, 0, 42},
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg common.Message
			err := serializer.Deserialize(tc.data, &msg)

			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"binary", "json", "gob", "msgpack", ""} {
		if _, err := New(name); err != nil {
			t.Errorf("New(%q) error = %v", name, err)
		}
	}
	if _, err := New("xml"); err == nil {
		t.Errorf("New(xml) succeeded")
	}
}

func TestCodecErrors(t *testing.T) {
	codecs := []struct {
		name string
		new  func() IRPCSerializer
	}{
		{"json", NewJSONSerializer},
		{"gob", NewGOBSerializer},
		{"msgpack", NewMsgpackSerializer},
	}
	for _, c := range codecs {
		t.Run(c.name, func(t *testing.T) {
			s := c.new()
			msg := common.Message{MsgType: common.MsgTKVPut, Key: []byte("stale")}
			if err := s.Deserialize(nil, &msg); !errors.Is(err, ErrEmptyPayload) {
				t.Errorf("Deserialize(nil) error = %v, want ErrEmptyPayload", err)
			}
			if msg.Key != nil {
				t.Errorf("Deserialize(nil) kept key %q", msg.Key)
			}

			msg = common.Message{MsgType: common.MsgTKVPut, Key: []byte("stale")}
			err := s.Deserialize([]byte{0xc1, 0xff, '{', 0x00}, &msg)
			if err == nil {
				t.Fatalf("Deserialize() of garbage succeeded: %+v", msg)
			}
			if !strings.HasPrefix(err.Error(), c.name+": decode message") {
				t.Errorf("Deserialize() error = %q, want the codec name", err)
			}
			if !reflect.DeepEqual(msg, common.Message{}) {
				t.Errorf("Deserialize() of garbage left %+v", msg)
			}
		})
	}
}
