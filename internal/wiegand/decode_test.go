package wiegand

import (
	"strings"
	"testing"
)

// frame builds a reader frame from a bit string, ignoring spaces.
func frame(s string) []byte {
	s = strings.ReplaceAll(s, " ", "")
	out := make([]byte, len(s))
	for i, c := range s {
		if c == '1' {
			out[i] = 1
		}
	}
	return out
}

func TestDecode_26Bit(t *testing.T) {
	// parity | facility 1 | card 0 | parity
	r := Decode(frame("1 00000001 0000000000000000 1"))
	if r.Kind != KindCredential || r.Format != "26-bit" {
		t.Fatalf("unexpected reading %+v", r)
	}
	if r.Facility != 1 {
		t.Errorf("facility = %d, want 1", r.Facility)
	}
	if r.Credential != "0" {
		t.Errorf("credential = %q, want 0", r.Credential)
	}
	if !r.ParityOK {
		t.Error("expected valid parity")
	}
}

func TestDecode_26Bit_CardValue(t *testing.T) {
	// 12345 = 0011000000111001
	r := Decode(frame("0 01111011 0011000000111001 0"))
	if r.Facility != 123 {
		t.Errorf("facility = %d, want 123", r.Facility)
	}
	if r.Credential != "12345" {
		t.Errorf("credential = %q, want 12345", r.Credential)
	}
}

func TestDecode_ParityIsDiagnosticOnly(t *testing.T) {
	good := Decode(frame("1 00000001 0000000000000000 1"))
	bad := Decode(frame("0 00000001 0000000000000000 0"))
	if bad.ParityOK {
		t.Error("expected parity failure")
	}
	if bad.Credential != good.Credential || bad.Kind != KindCredential {
		t.Errorf("parity must not change the output: good=%+v bad=%+v", good, bad)
	}
}

func TestDecode_34Bit(t *testing.T) {
	// card = 0x80000001
	r := Decode(frame("0 10000000000000000000000000000001 0"))
	if r.Format != "34-bit" {
		t.Fatalf("unexpected format %q", r.Format)
	}
	if r.Credential != "2147483649" {
		t.Errorf("credential = %q, want 2147483649", r.Credential)
	}
	if r.Facility != 0 {
		t.Errorf("34-bit frames have no facility, got %d", r.Facility)
	}
}

func TestDecode_UnsupportedLengthIsRaw(t *testing.T) {
	r := Decode(frame("1010101010"))
	if r.Kind != KindRaw {
		t.Fatalf("expected raw reading, got %+v", r)
	}
	if r.Raw != "RAW_BINARY:1010101010" {
		t.Errorf("raw = %q", r.Raw)
	}
	if r.Credential != "" {
		t.Errorf("raw reading must not carry a credential, got %q", r.Credential)
	}
}
