package protocol

import (
	"bytes"
	"fmt"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		pkt  *Packet
	}{
		{"TypeConnect with no payload", &Packet{Type: TypeConnect, SocketID: 0x12345678, SeqNum: 1}},
		{"TypeData with small payload", &Packet{Type: TypeData, SocketID: 0xDEADBEEF, SeqNum: 42, Payload: []byte("hello world")}},
		{"TypeClose with no payload", &Packet{Type: TypeClose, SocketID: 0xCAFEBABE, SeqNum: 100}},
		{"TypeDatagram with address-prefixed payload", &Packet{Type: TypeDatagram, SocketID: 0x00000001, SeqNum: 7, Payload: []byte{8, 8, 8, 8, 0, 53, 'p', 'i', 'n', 'g'}}},
		{"TypeData with large payload (16KB)", &Packet{Type: TypeData, SocketID: 0x11223344, SeqNum: 999, Payload: make([]byte, 16*1024)}},
		{"TypeData with empty payload", &Packet{Type: TypeData, SocketID: 0xAABBCCDD, SeqNum: 555, Payload: []byte{}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := Encode(tc.pkt)
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if decoded.Type != tc.pkt.Type {
				t.Errorf("Type mismatch: got %d, want %d", decoded.Type, tc.pkt.Type)
			}
			if decoded.SocketID != tc.pkt.SocketID {
				t.Errorf("SocketID mismatch: got 0x%08X, want 0x%08X", decoded.SocketID, tc.pkt.SocketID)
			}
			if decoded.SeqNum != tc.pkt.SeqNum {
				t.Errorf("SeqNum mismatch: got %d, want %d", decoded.SeqNum, tc.pkt.SeqNum)
			}
			if !bytes.Equal(decoded.Payload, tc.pkt.Payload) {
				t.Errorf("Payload mismatch: got %v, want %v", decoded.Payload, tc.pkt.Payload)
			}
		})
	}
}

func TestDecodeTooShort(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"1 byte", []byte{0x01}},
		{"8 bytes (one less than HeaderSize)", make([]byte, 8)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.data); err == nil {
				t.Fatal("expected error for short packet, got nil")
			}
		})
	}
}

func TestDecodeExactHeaderSize(t *testing.T) {
	original := &Packet{Type: TypeConnect, SocketID: 0xABCDEF01, SeqNum: 777}
	encoded := Encode(original)
	if len(encoded) != HeaderSize {
		t.Fatalf("expected encoded size %d, got %d", HeaderSize, len(encoded))
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Type != original.Type || decoded.SocketID != original.SocketID ||
		decoded.SeqNum != original.SeqNum || len(decoded.Payload) != 0 {
		t.Errorf("decoded packet mismatch: %+v", decoded)
	}
}

func TestEncodeAllPacketTypes(t *testing.T) {
	types := []uint8{TypeConnect, TypeData, TypeClose, TypeDatagram}
	for _, typeCode := range types {
		pkt := &Packet{Type: typeCode, SocketID: 0x11111111, SeqNum: 222, Payload: []byte("payload")}
		encoded := Encode(pkt)
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode failed for type %d: %v", typeCode, err)
		}
		if decoded.Type != typeCode {
			t.Errorf("Type mismatch: got %d, want %d", decoded.Type, typeCode)
		}
	}
}

func TestEncodeLargePayload(t *testing.T) {
	sizes := []int{1024, 16 * 1024, 64 * 1024, 256 * 1024}
	for _, size := range sizes {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i % 256)
			}
			pkt := &Packet{Type: TypeData, SocketID: 0x99999999, SeqNum: 1, Payload: payload}
			encoded := Encode(pkt)
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed for size %d: %v", size, err)
			}
			if !bytes.Equal(decoded.Payload, payload) {
				t.Errorf("payload mismatch for size %d", size)
			}
		})
	}
}

func TestDecodePreservesPayload(t *testing.T) {
	original := &Packet{Type: TypeData, SocketID: 0x12345678, SeqNum: 10, Payload: []byte("original")}
	encoded := Encode(original)
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(encoded) > HeaderSize {
		encoded[HeaderSize] = 0xFF
	}
	if !bytes.Equal(decoded.Payload, []byte("original")) {
		t.Errorf("payload was incorrectly aliased: got %v", decoded.Payload)
	}
}
