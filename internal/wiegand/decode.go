package wiegand

import (
	"strconv"
	"strings"
)

// Kind separates forwardable card numbers from diagnostic captures.
type Kind int

const (
	KindCredential Kind = iota
	KindRaw
)

// Reading is one decoded reader frame.
type Reading struct {
	Kind       Kind
	Format     string // "26-bit", "34-bit" or "raw"
	Bits       string
	Facility   uint64 // 26-bit only
	Card       uint64
	Credential string // decimal Card; empty for raw readings
	Raw        string // "RAW_BINARY:<bits>" for unsupported lengths
	ParityOK   bool
}

// Decode interprets a captured bit sequence. 26-bit frames carry facility
// in bits 1..8 and card in bits 9..24; 34-bit frames carry card in bits
// 1..32. The outer bits are parity and never part of the number. Parity
// is evaluated for diagnostics only. Any other length yields a raw reading.
func Decode(bits []byte) Reading {
	s := bitString(bits)
	switch len(bits) {
	case 26:
		card := toUint(bits[9:25])
		return Reading{
			Kind:       KindCredential,
			Format:     "26-bit",
			Bits:       s,
			Facility:   toUint(bits[1:9]),
			Card:       card,
			Credential: strconv.FormatUint(card, 10),
			ParityOK:   parityOK(bits),
		}
	case 34:
		card := toUint(bits[1:33])
		return Reading{
			Kind:       KindCredential,
			Format:     "34-bit",
			Bits:       s,
			Card:       card,
			Credential: strconv.FormatUint(card, 10),
			ParityOK:   parityOK(bits),
		}
	}
	return Reading{
		Kind:   KindRaw,
		Format: "raw",
		Bits:   s,
		Raw:    "RAW_BINARY:" + s,
	}
}

// parityOK checks the leading even-parity bit over the first half of the
// payload and the trailing odd-parity bit over the second half.
func parityOK(bits []byte) bool {
	n := len(bits)
	payload := bits[1 : n-1]
	half := len(payload) / 2

	lead := ones(payload[:half]) + int(bits[0])
	trail := ones(payload[half:]) + int(bits[n-1])
	return lead%2 == 0 && trail%2 == 1
}

func ones(bits []byte) int {
	n := 0
	for _, b := range bits {
		n += int(b & 1)
	}
	return n
}

func toUint(bits []byte) uint64 {
	var v uint64
	for _, b := range bits {
		v = v<<1 | uint64(b&1)
	}
	return v
}

func bitString(bits []byte) string {
	var sb strings.Builder
	sb.Grow(len(bits))
	for _, b := range bits {
		sb.WriteByte('0' + b&1)
	}
	return sb.String()
}
