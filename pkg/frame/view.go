package frame

import (
	"encoding/hex"
	"fmt"
)

// View is the JSON form of a frame used by the monitor API.
type View struct {
	Endpoint  byte   `json:"endpoint"`
	Field     uint8  `json:"field"`
	Client    byte   `json:"client"`
	Operation string `json:"op"`
	Payload   string `json:"payload"`
}

// View returns the JSON form of f. The payload is hex with trailing filler removed.
func (f Frame) View() View {
	return View{
		Endpoint:  f.EndpointID,
		Field:     uint8(f.FieldID),
		Client:    f.ClientIndex,
		Operation: f.Operation.String(),
		Payload:   hex.EncodeToString(f.Data()),
	}
}

// Frame converts a view back into a frame.
func (v View) Frame() (Frame, error) {
	op, err := ParseOperation(v.Operation)
	if err != nil {
		return Frame{}, err
	}
	payload, err := hex.DecodeString(v.Payload)
	if err != nil {
		return Frame{}, fmt.Errorf("invalid payload: %w", err)
	}
	if len(payload) > PayloadSize {
		return Frame{}, fmt.Errorf("payload is %d bytes, max %d", len(payload), PayloadSize)
	}
	return New(v.Endpoint, FieldID(v.Field), v.Client, op, payload), nil
}

// ParseOperation parses the names produced by Operation.String. An empty string is none.
func ParseOperation(s string) (Operation, error) {
	switch s {
	case "write":
		return OpWrite, nil
	case "read":
		return OpRead, nil
	case "none", "":
		return OpNone, nil
	default:
		return 0, fmt.Errorf("unknown operation %q", s)
	}
}
