package frame

import (
	"encoding/hex"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Wire layout of every frame exchanged over the link:
//
//	EndpointID(1) | FieldID(1) | ClientIndex(1) | Operation(1) | Payload(20)
//
// The size never changes, whatever the logical content.
const (
	HeaderSize  = 4
	PayloadSize = 20
	Size        = HeaderSize + PayloadSize

	// Filler is written to every byte that carries no data.
	Filler byte = 0xFF
)

// ErrShortFrame is returned when a buffer cannot hold a whole frame.
var ErrShortFrame = errors.New("frame too short")

// Raw is a frame as it appears on the wire.
type Raw [Size]byte

// Frame is the decoded form of Raw.
type Frame struct {
	EndpointID  byte
	FieldID     FieldID
	ClientIndex byte
	Operation   Operation
	Payload     [PayloadSize]byte
}

// Blank returns a frame made entirely of filler bytes.
func Blank() Frame {
	var f Frame
	f.EndpointID = Filler
	f.FieldID = FieldID(Filler)
	f.ClientIndex = Filler
	f.Operation = Operation(Filler)
	for i := range f.Payload {
		f.Payload[i] = Filler
	}
	return f
}

// New builds a frame. The payload is copied over a filler background, so a short payload
// leaves a deterministic tail; anything beyond PayloadSize is dropped.
func New(endpointID byte, field FieldID, clientIndex byte, op Operation, payload []byte) Frame {
	f := Blank()
	f.EndpointID = endpointID
	f.FieldID = field
	f.ClientIndex = clientIndex
	f.Operation = op
	if len(payload) > PayloadSize {
		log.Warnf("frame payload truncated: %d > %d bytes", len(payload), PayloadSize)
		payload = payload[:PayloadSize]
	}
	copy(f.Payload[:], payload)
	return f
}

// Encode returns the wire form of the frame.
func (f Frame) Encode() Raw {
	var r Raw
	r[0] = f.EndpointID
	r[1] = byte(f.FieldID)
	r[2] = f.ClientIndex
	r[3] = byte(f.Operation)
	copy(r[HeaderSize:], f.Payload[:])
	return r
}

// Decode is the inverse of Encode.
func Decode(r Raw) Frame {
	f := Frame{
		EndpointID:  r[0],
		FieldID:     FieldID(r[1]),
		ClientIndex: r[2],
		Operation:   Operation(r[3]),
	}
	copy(f.Payload[:], r[HeaderSize:])
	return f
}

// Parse decodes the first Size bytes of data.
func Parse(data []byte) (Frame, error) {
	if len(data) < Size {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	var r Raw
	copy(r[:], data)
	return Decode(r), nil
}

// IsBlank reports whether every byte of the frame is filler.
func (f Frame) IsBlank() bool {
	return f == Blank()
}

// Bytes returns the wire form as a slice.
func (f Frame) Bytes() []byte {
	r := f.Encode()
	return r[:]
}

// Data returns the payload with the trailing filler removed.
func (f Frame) Data() []byte {
	n := len(f.Payload)
	for n > 0 && f.Payload[n-1] == Filler {
		n--
	}
	return f.Payload[:n]
}

func (f Frame) String() string {
	return fmt.Sprintf("endpoint=0x%02x field=%d client=%d op=%s payload=%s",
		f.EndpointID, f.FieldID, f.ClientIndex, f.Operation, hex.EncodeToString(f.Payload[:]))
}

// LogFrame logs a frame in a readable format
func LogFrame(direction string, f Frame) {
	if f.IsBlank() {
		log.Tracef("%s frame: <filler>", direction)
		return
	}
	log.Debugf("%s frame: %s", direction, f)
}
