// Package parser extracts the five-tuple from a raw IPv4 datagram without
// allocating or copying. It intentionally does not use gopacket's
// DecodingLayerParser: that type owns per-layer state sized for arbitrary
// link-layer stacks, which is unwarranted here since the captured TUN
// already strips link-layer framing and the router calls this parser once
// per packet on the hot path.
package parser

import (
	"encoding/binary"

	"multitun/internal/core"
)

const (
	minIPv4HeaderLen = 20
	minL4HeaderLen   = 8 // smallest of TCP (20) / UDP (8) headers
)

// Parse reads the five-tuple out of an IPv4 datagram. buf is read-only; no
// part of it is copied or retained beyond the call.
func Parse(buf []byte) (core.FiveTuple, error) {
	var ft core.FiveTuple

	if len(buf) < minIPv4HeaderLen {
		return ft, core.ErrPacketTooShort
	}

	versionIHL := buf[0]
	version := versionIHL >> 4
	if version != 4 {
		return ft, core.ErrPacketNotIPv4
	}

	ihl := int(versionIHL&0x0f) * 4
	if ihl < minIPv4HeaderLen {
		return ft, core.ErrPacketMalformed
	}
	totalLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if totalLen < ihl || len(buf) < ihl {
		return ft, core.ErrPacketMalformed
	}

	proto := core.IPProtocol(buf[9])
	ft.Protocol = proto
	copy(ft.SrcAddr[:], buf[12:16])
	copy(ft.DstAddr[:], buf[16:20])

	switch proto {
	case core.ProtoTCP, core.ProtoUDP:
	case core.ProtoICMP:
		return ft, nil
	default:
		return ft, core.ErrPacketUnknownL4
	}

	// Fragmented packets beyond the first carry no L4 header; the offset
	// field's low 13 bits are nonzero for every fragment but the first.
	flagsFrag := binary.BigEndian.Uint16(buf[6:8])
	fragOffset := flagsFrag & 0x1fff
	if fragOffset != 0 {
		return ft, core.ErrPacketMalformed
	}

	l4 := buf[ihl:]
	if len(l4) < minL4HeaderLen {
		return ft, core.ErrPacketTooShort
	}

	ft.SrcPort = binary.BigEndian.Uint16(l4[0:2])
	ft.DstPort = binary.BigEndian.Uint16(l4[2:4])

	return ft, nil
}

// HeaderLen returns the IPv4 header length in bytes, or 0 if buf is too
// short to contain one. Used by callers that need to locate the payload
// after the five-tuple has already been validated by Parse.
func HeaderLen(buf []byte) int {
	if len(buf) < 1 {
		return 0
	}
	ihl := int(buf[0]&0x0f) * 4
	if ihl < minIPv4HeaderLen || len(buf) < ihl {
		return 0
	}
	return ihl
}
