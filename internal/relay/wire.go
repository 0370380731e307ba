// Package relay carries client traffic between the coordinator and nodes over
// WebSocket and UDP, arbitrated per packet by the Dispatcher.
package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// FrameKind classifies an inbound binary frame.
type FrameKind int

const (
	// FrameBatch is a length-prefixed group of data packets.
	FrameBatch FrameKind = iota
	// FrameData is a single opaque data packet (first byte 0x01..0x04).
	FrameData
	// FrameJSON is a JSON-encoded control, data, or heartbeat message.
	FrameJSON
)

// Message type and direction constants for JSON frames.
const (
	TypeData      = "data"
	TypeControl   = "control"
	TypeHeartbeat = "heartbeat"

	DirClientToNode = "client-to-node"
	DirNodeToClient = "node-to-client"
	DirServer       = "server"
)

// Batch framing bounds. The count field doubles as the discriminator, so a
// valid batch count must stay outside the range of plausible first packet
// bytes.
const (
	batchCountMin = 2  // exclusive lower bound is 1
	batchCountMax = 99 // exclusive upper bound is 100
)

// Message is the JSON frame exchanged on the relay WebSocket.
type Message struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"sessionId,omitempty"`
	Direction  string          `json:"direction,omitempty"`
	Action     string          `json:"action,omitempty"`
	Compressed bool            `json:"compressed,omitempty"`
	Data       string          `json:"data,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ClassifyFrame decides how a received frame should be interpreted. Batch
// detection runs first: a big-endian uint16 prefix in (1, 100) cannot be the
// start of a WireGuard packet or printable JSON.
func ClassifyFrame(b []byte) FrameKind {
	if len(b) >= 2 {
		if n := binary.BigEndian.Uint16(b); n >= batchCountMin && n <= batchCountMax {
			return FrameBatch
		}
	}
	if len(b) >= 1 && b[0] >= 0x01 && b[0] <= 0x04 {
		return FrameData
	}
	return FrameJSON
}

// DecodeBatch unpacks a batch frame into its packets, preserving order.
func DecodeBatch(b []byte) ([][]byte, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("batch frame too short: %d bytes", len(b))
	}
	count := int(binary.BigEndian.Uint16(b))
	if count < batchCountMin || count > batchCountMax {
		return nil, fmt.Errorf("batch count %d out of range", count)
	}
	packets := make([][]byte, 0, count)
	off := 2
	for i := 0; i < count; i++ {
		if off+2 > len(b) {
			return nil, fmt.Errorf("batch truncated at packet %d", i)
		}
		size := int(binary.BigEndian.Uint16(b[off:]))
		off += 2
		if off+size > len(b) {
			return nil, fmt.Errorf("batch packet %d overruns frame", i)
		}
		packets = append(packets, b[off:off+size])
		off += size
	}
	return packets, nil
}

// EncodeBatch packs packets into a batch frame. Callers must pass between 2
// and 99 packets; a single packet should be sent raw instead.
func EncodeBatch(packets [][]byte) ([]byte, error) {
	if len(packets) < batchCountMin || len(packets) > batchCountMax {
		return nil, fmt.Errorf("batch size %d out of range", len(packets))
	}
	size := 2
	for _, p := range packets {
		size += 2 + len(p)
	}
	out := make([]byte, 2, size)
	binary.BigEndian.PutUint16(out, uint16(len(packets)))
	for _, p := range packets {
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(p)))
		out = append(out, lenBuf[:]...)
		out = append(out, p...)
	}
	return out, nil
}

// ParseMessage parses a JSON frame. A compressed control message is inflated
// and reparsed transparently.
func ParseMessage(b []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, fmt.Errorf("parse relay message: %w", err)
	}
	if msg.Type == TypeControl && msg.Compressed {
		inner, err := inflateControl(msg.Data)
		if err != nil {
			return nil, err
		}
		return inner, nil
	}
	return &msg, nil
}

// ControlAction extracts the action of a control message, whether it sits at
// the top level or inside the payload object.
func ControlAction(msg *Message) string {
	if msg.Action != "" {
		return msg.Action
	}
	if len(msg.Payload) == 0 {
		return ""
	}
	var inner struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(msg.Payload, &inner); err != nil {
		return ""
	}
	return inner.Action
}

func inflateControl(data string) (*Message, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode compressed control: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open compressed control: %w", err)
	}
	defer zr.Close()
	plain, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflate compressed control: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(plain, &msg); err != nil {
		return nil, fmt.Errorf("parse inflated control: %w", err)
	}
	return &msg, nil
}

// CompressControl gzips and base64-encodes a control message body, producing
// the wrapper frame carrying it.
func CompressControl(inner *Message) (*Message, error) {
	plain, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(plain); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return &Message{
		Type:       TypeControl,
		Compressed: true,
		Data:       base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}
