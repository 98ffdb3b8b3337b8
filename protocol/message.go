package protocol

import (
	"errors"
	"fmt"

	"github.com/cellarsync/cellarsync/assertions"
	"github.com/cellarsync/cellarsync/document"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	MessageTypePush       = 0x01
	MessageTypeDigestPull = 0x02 // Request carrying just a state digest
	MessageTypeDigestAck  = 0x03 // Acknowledgment when digests match
	MessageFlagCompressed = 0x80

	CompressionThreshold = 1 << 10  // Only compress messages larger than this (bytes)
	MaxMessageSize       = 10 << 20 // 10MB max message size
)

var (
	ErrEmptyMessage     = errors.New("protocol: empty message data")
	ErrDecompression    = errors.New("protocol: failed to decompress data")
	ErrUnmarshall       = errors.New("protocol: failed to decode message")
	ErrInvalidType      = errors.New("protocol: invalid message type")
	ErrMessageTooLarge  = errors.New("protocol: message exceeds maximum size")
	ErrEmptyNodeID      = errors.New("protocol: empty node ID")
	ErrEmptyPush        = errors.New("protocol: push message must contain documents")
	ErrValidationFailed = errors.New("protocol: message validation failed")
	ErrEncodingFailed   = errors.New("protocol: message encoding failed")
)

type (
	// DocumentState is one document snapshot on the wire.
	DocumentState struct {
		ID     string          `msgpack:"id"`
		Rev    string          `msgpack:"rev"`
		Fields document.Fields `msgpack:"doc"`
	}

	// Message is a replication protocol message. Digest messages carry only
	// an xxHash digest of the sender's store state; push messages carry full
	// document snapshots for the receiver to merge.
	Message struct {
		Type   uint8           `msgpack:"t"`
		NodeID string          `msgpack:"id"`
		Digest uint64          `msgpack:"dig,omitempty"`
		Docs   []DocumentState `msgpack:"docs,omitempty"`
	}
)

func (m *Message) validate() error {
	assertions.Assert(m != nil, "Message cannot be nil")

	if m.Type != MessageTypePush && m.Type != MessageTypeDigestPull && m.Type != MessageTypeDigestAck {
		return ErrInvalidType
	}
	if m.NodeID == "" {
		return ErrEmptyNodeID
	}
	if m.Type == MessageTypePush && len(m.Docs) == 0 {
		return ErrEmptyPush
	}
	return nil
}

// encode validates, marshals, checks size, and compresses the message when
// that makes it smaller. The first output byte is the compression flag.
func (m *Message) encode() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}

	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: message size %d exceeds limit %d",
			ErrMessageTooLarge, len(data), MaxMessageSize)
	}

	if len(data) > CompressionThreshold {
		compressed, errCompress := compressData(data)
		if errCompress == nil && len(compressed) < len(data) {
			result := make([]byte, 1+len(compressed))
			result[0] = MessageFlagCompressed
			copy(result[1:], compressed)
			return result, nil
		}
		// Compression failed or didn't help; send uncompressed.
	}

	result := make([]byte, 1+len(data))
	result[0] = 0
	copy(result[1:], data)
	return result, nil
}

func (m *Message) decode(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyMessage
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: received message size %d exceeds limit %d",
			ErrMessageTooLarge, len(data), MaxMessageSize)
	}
	if len(data) < 2 {
		return fmt.Errorf("%w: message has no payload", ErrEmptyMessage)
	}

	payload := data[1:]
	if data[0] == MessageFlagCompressed {
		decompressed, err := decompressData(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecompression, err)
		}
		payload = decompressed
	}

	if err := msgpack.Unmarshal(payload, m); err != nil {
		return fmt.Errorf("%w: %v", ErrUnmarshall, err)
	}

	return m.validate()
}

// Decode deserializes data into a new Message.
func Decode(data []byte) (*Message, error) {
	msg := &Message{}
	if err := msg.decode(data); err != nil {
		return nil, err
	}
	return msg, nil
}

// Encode serializes a Message into bytes ready for a transport.
func Encode(msg Message) ([]byte, error) {
	return msg.encode()
}

func compressData(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("failed to close zstd writer: %w", err)
	}
	return compressed, nil
}

func decompressData(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer decoder.Close()

	output, err := decoder.DecodeAll(data, make([]byte, 0, len(data)*2))
	if err != nil {
		return nil, fmt.Errorf("failed to decode zstd data: %w", err)
	}
	return output, nil
}

// Transport delivers encoded messages between replicas.
type Transport interface {
	// Send sends data to the specified address
	Send(addr string, data []byte) error
	// Listen registers a handler for incoming messages
	Listen(handler func(addr string, data []byte) error) error
	// Close closes the transport
	Close() error
}
