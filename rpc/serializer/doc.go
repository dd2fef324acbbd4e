// Package serializer converts common.Message values to bytes and back for the
// RPC transports.
//
// Implementations:
//
//   - Binary: A flag based format that only encodes the fields that are set.
//     It keeps the difference between nil and empty byte slices and is the
//     default for client and server.
//
//   - Msgpack: MessagePack via github.com/vmihailenco/msgpack/v5, using the
//     msgpack tags of common.Message. Compact and schema tolerant.
//
//   - JSON: Human readable, useful for debugging with the http transport.
//
//   - GOB: Go's gob format. Every message carries its type description, so
//     payloads are much larger than with the other formats.
//
// Client and server must use the same serializer. All implementations are
// stateless and safe for concurrent use.
//
// Usage:
//
//	s, err := serializer.New("binary")
//	data, err := s.Serialize(*common.NewGetRequest(key))
//	var resp common.Message
//	err = s.Deserialize(respData, &resp)
package serializer
