package frame

import (
	"bytes"
	"errors"
	"testing"
)

func TestNew_FillsUnusedPayload(t *testing.T) {
	f := New(2, FieldSensorDataR, 2, OpRead, []byte{0x01, 0x02, 0x03})

	if f.EndpointID != 2 || f.FieldID != FieldSensorDataR || f.ClientIndex != 2 || f.Operation != OpRead {
		t.Fatalf("unexpected header: %s", f)
	}
	if !bytes.Equal(f.Payload[:3], []byte{0x01, 0x02, 0x03}) {
		t.Errorf("payload head = %x", f.Payload[:3])
	}
	for i := 3; i < PayloadSize; i++ {
		if f.Payload[i] != Filler {
			t.Fatalf("payload[%d] = 0x%02x, want filler", i, f.Payload[i])
		}
	}
}

func TestNew_TruncatesLongPayload(t *testing.T) {
	long := bytes.Repeat([]byte{0xAB}, PayloadSize+5)
	f := New(0, FieldSensorID, 0, OpWrite, long)

	if !bytes.Equal(f.Payload[:], long[:PayloadSize]) {
		t.Errorf("payload = %x", f.Payload)
	}
}

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		wire  []byte
	}{
		{
			name:  "blank",
			frame: Blank(),
			wire:  bytes.Repeat([]byte{Filler}, Size),
		},
		{
			name:  "write char",
			frame: New(1, FieldWriteChar, 1, OpWrite, []byte{0x17, 0x20, 0x02, 0xAA, 0xBB}),
			wire: append([]byte{1, byte(FieldWriteChar), 1, byte(OpWrite), 0x17, 0x20, 0x02, 0xAA, 0xBB},
				bytes.Repeat([]byte{Filler}, PayloadSize-5)...),
		},
		{
			name:  "not found response",
			frame: New(ResponseNotFound, FieldRunError, 6, OpNone, nil),
			wire: append([]byte{ResponseNotFound, 0xFF, 6, 0xFF},
				bytes.Repeat([]byte{Filler}, PayloadSize)...),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.frame.Encode()
			if len(raw) != Size {
				t.Fatalf("encoded size = %d, want %d", len(raw), Size)
			}
			if !bytes.Equal(raw[:], tt.wire) {
				t.Errorf("Encode() = %x, want %x", raw, tt.wire)
			}
			if got := Decode(raw); got != tt.frame {
				t.Errorf("Decode() = %s, want %s", got, tt.frame)
			}
		})
	}
}

func TestParse(t *testing.T) {
	if _, err := Parse(make([]byte, Size-1)); !errors.Is(err, ErrShortFrame) {
		t.Errorf("Parse(short) error = %v, want ErrShortFrame", err)
	}

	want := New(ConfigID, FieldRun, 0, OpNone, []byte("go"))
	got, err := Parse(append(want.Bytes(), 0x00, 0x00))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got != want {
		t.Errorf("Parse() = %s, want %s", got, want)
	}
}

func TestData_StripsFiller(t *testing.T) {
	f := New(0, FieldManufacturerName, 0, OpRead, []byte("relayr"))
	if got := string(f.Data()); got != "relayr" {
		t.Errorf("Data() = %q", got)
	}
	if len(Blank().Data()) != 0 {
		t.Error("blank frame should have no data")
	}
	if !Blank().IsBlank() || f.IsBlank() {
		t.Error("IsBlank() mismatch")
	}
}
