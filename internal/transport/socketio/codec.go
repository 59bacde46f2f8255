package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EngineType is an Engine.IO v4 packet type.
type EngineType byte

const (
	EngineOpen    EngineType = '0'
	EngineClose   EngineType = '1'
	EnginePing    EngineType = '2'
	EnginePong    EngineType = '3'
	EngineMessage EngineType = '4'
	EngineUpgrade EngineType = '5'
	EngineNoop    EngineType = '6'
)

// PacketType is a Socket.IO v5 packet type, carried inside an Engine.IO message.
type PacketType byte

const (
	PacketConnect      PacketType = '0'
	PacketDisconnect   PacketType = '1'
	PacketEvent        PacketType = '2'
	PacketAck          PacketType = '3'
	PacketConnectError PacketType = '4'
	PacketBinaryEvent  PacketType = '5'
	PacketBinaryAck    PacketType = '6'
)

const defaultNamespace = "/"

// ErrMalformed is returned for packets that cannot be parsed.
var ErrMalformed = errors.New("malformed packet")

// OpenPayload is the body of the Engine.IO open packet.
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// DefaultPingInterval and DefaultPingTimeout are the Engine.IO server defaults.
const (
	DefaultPingInterval = 25 * time.Second
	DefaultPingTimeout  = 20 * time.Second
)

// Liveness is how long the client waits for a server ping before it gives
// the session up. Open packets that omit both timers get the defaults.
func (o OpenPayload) Liveness() time.Duration {
	d := time.Duration(o.PingInterval+o.PingTimeout) * time.Millisecond
	if d <= 0 {
		return DefaultPingInterval + DefaultPingTimeout
	}
	return d
}

// Packet is a decoded Socket.IO packet.
type Packet struct {
	Type      PacketType
	Namespace string
	ID        *int
	Data      json.RawMessage
}

// DecodeEngine splits a websocket message into its Engine.IO type and body.
func DecodeEngine(msg []byte) (EngineType, []byte, error) {
	if len(msg) == 0 {
		return 0, nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	t := EngineType(msg[0])
	if t < EngineOpen || t > EngineNoop {
		return 0, nil, fmt.Errorf("%w: engine type %q", ErrMalformed, msg[0])
	}
	return t, msg[1:], nil
}

// EncodeEngine builds an Engine.IO packet.
func EncodeEngine(t EngineType, body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(t))
	return append(out, body...)
}

// DecodePacket parses the Socket.IO packet inside an Engine.IO message body.
func DecodePacket(body []byte) (Packet, error) {
	if len(body) == 0 {
		return Packet{}, fmt.Errorf("%w: empty packet", ErrMalformed)
	}
	p := Packet{Type: PacketType(body[0]), Namespace: defaultNamespace}
	if p.Type < PacketConnect || p.Type > PacketBinaryAck {
		return Packet{}, fmt.Errorf("%w: packet type %q", ErrMalformed, body[0])
	}
	if p.Type == PacketBinaryEvent || p.Type == PacketBinaryAck {
		return Packet{}, fmt.Errorf("%w: binary packets are not supported", ErrMalformed)
	}
	rest := string(body[1:])

	if strings.HasPrefix(rest, "/") {
		i := strings.IndexByte(rest, ',')
		if i < 0 {
			p.Namespace, rest = rest, ""
		} else {
			p.Namespace, rest = rest[:i], rest[i+1:]
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(rest[:digits])
		if err != nil {
			return Packet{}, fmt.Errorf("%w: ack id: %v", ErrMalformed, err)
		}
		p.ID = &id
		rest = rest[digits:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return Packet{}, fmt.Errorf("%w: invalid JSON data", ErrMalformed)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// Encode renders the packet as an Engine.IO message.
func (p Packet) Encode() []byte {
	var b strings.Builder
	b.WriteByte(byte(EngineMessage))
	b.WriteByte(byte(p.Type))
	if p.Namespace != "" && p.Namespace != defaultNamespace {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.ID != nil {
		b.WriteString(strconv.Itoa(*p.ID))
	}
	b.Write(p.Data)
	return []byte(b.String())
}

// Event returns the name and arguments of an event packet.
func (p Packet) Event() (string, []json.RawMessage, error) {
	if p.Type != PacketEvent {
		return "", nil, fmt.Errorf("%w: not an event", ErrMalformed)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(p.Data, &parts); err != nil || len(parts) == 0 {
		return "", nil, fmt.Errorf("%w: event body", ErrMalformed)
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name", ErrMalformed)
	}
	return name, parts[1:], nil
}

// EncodeEvent builds a `42["name",args...]` message.
func EncodeEvent(name string, args ...any) ([]byte, error) {
	parts := make([]any, 0, len(args)+1)
	parts = append(parts, name)
	parts = append(parts, args...)
	data, err := json.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", name, err)
	}
	return Packet{Type: PacketEvent, Data: data}.Encode(), nil
}

// EncodeConnect builds a namespace CONNECT packet, with an optional payload.
func EncodeConnect(payload any) ([]byte, error) {
	p := Packet{Type: PacketConnect}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		p.Data = data
	}
	return p.Encode(), nil
}
