package proto

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"iptcp-ringbuf/pkg/ringbuf"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const (
	DefaultTcpHeaderLen = header.TCPMinimumSize
	TcpPseudoHeaderLen  = 12
	MSS                 = MTU - DefaultTcpHeaderLen - DefaultIpHeaderLen
)

type TCPPacket struct {
	TcpHeader *header.TCPFields
	Payload   []byte
}

func NewTCPacket(localPort uint16, destPort uint16, seqNum uint32, ackNum uint32, flags uint8, payload []byte, windowSize uint16) *TCPPacket {
	tcpHdr := &header.TCPFields{
		SrcPort:       localPort,
		DstPort:       destPort,
		SeqNum:        seqNum,
		AckNum:        ackNum,
		DataOffset:    DefaultTcpHeaderLen, // no TCP options
		Flags:         flags,
		Checksum:      0,
		UrgentPointer: 0,
		WindowSize:    windowSize,
	}
	return &TCPPacket{TcpHeader: tcpHdr, Payload: payload}
}

// SegmentFromPayload copies a borrowed payload view into a fresh segment body.
// It is the only copy on the send path.
func SegmentFromPayload(p ringbuf.Payload) []byte {
	if p.Len() == 0 {
		return nil
	}
	body := make([]byte, p.Len())
	p.PartialCopy(0, body)
	return body
}

// Marshal fills in the checksum and returns the encoded segment.
func (p *TCPPacket) Marshal(srcIP netip.Addr, destIP netip.Addr) []byte {
	p.TcpHeader.Checksum = 0
	p.TcpHeader.Checksum = ComputeTCPChecksum(p.TcpHeader, srcIP, destIP, p.Payload)
	b := make([]byte, DefaultTcpHeaderLen+len(p.Payload))
	header.TCP(b).Encode(p.TcpHeader)
	copy(b[DefaultTcpHeaderLen:], p.Payload)
	return b
}

// Unmarshal decodes data into p. The payload aliases data.
func (p *TCPPacket) Unmarshal(data []byte) error {
	if len(data) < DefaultTcpHeaderLen {
		return errors.Errorf("tcp segment of %d bytes is shorter than the header", len(data))
	}
	hdr := ParseTCPHeader(data)
	if int(hdr.DataOffset) < DefaultTcpHeaderLen || int(hdr.DataOffset) > len(data) {
		return errors.Errorf("invalid tcp data offset %d for a %d byte segment", hdr.DataOffset, len(data))
	}
	p.TcpHeader = &hdr
	p.Payload = data[hdr.DataOffset:]
	return nil
}

// The TCP checksum covers a pseudo-header with the IP source and destination,
// the protocol number and the segment length, followed by the TCP header and
// payload. See RFC 9293 section 3.1.
func ComputeTCPChecksum(tcpHdr *header.TCPFields,
	sourceIP netip.Addr, destIP netip.Addr, payload []byte) uint16 {

	pseudoHeaderBytes := make([]byte, TcpPseudoHeaderLen)
	copy(pseudoHeaderBytes[0:4], sourceIP.AsSlice())
	copy(pseudoHeaderBytes[4:8], destIP.AsSlice())
	pseudoHeaderBytes[8] = uint8(0)
	pseudoHeaderBytes[9] = uint8(ProtoNumTCP)

	totalLength := DefaultTcpHeaderLen + len(payload)
	binary.BigEndian.PutUint16(pseudoHeaderBytes[10:12], uint16(totalLength))

	headerBytes := header.TCP(make([]byte, DefaultTcpHeaderLen))
	headerBytes.Encode(tcpHdr)

	// chain the parts through the initial value argument
	pseudoHeaderChecksum := header.Checksum(pseudoHeaderBytes, 0)
	headerChecksum := header.Checksum(headerBytes, pseudoHeaderChecksum)
	fullChecksum := header.Checksum(payload, headerChecksum)

	return fullChecksum ^ 0xffff
}

// Build a TCPFields struct from the TCP byte array
func ParseTCPHeader(b []byte) header.TCPFields {
	td := header.TCP(b)
	return header.TCPFields{
		SrcPort:    td.SourcePort(),
		DstPort:    td.DestinationPort(),
		SeqNum:     td.SequenceNumber(),
		AckNum:     td.AckNumber(),
		DataOffset: td.DataOffset(),
		Flags:      td.Flags(),
		WindowSize: td.WindowSize(),
		Checksum:   td.Checksum(),
	}
}

var flagNames = []struct {
	flag uint8
	name string
}{
	{header.TCPFlagSyn, "SYN"},
	{header.TCPFlagAck, "ACK"},
	{header.TCPFlagPsh, "PSH"},
	{header.TCPFlagFin, "FIN"},
	{header.TCPFlagRst, "RST"},
	{header.TCPFlagUrg, "URG"},
}

// Pretty-print TCP flags value as a string
func TCPFlagsAsString(flags uint8) string {
	matches := make([]string, 0)
	for _, f := range flagNames {
		if flags&f.flag == f.flag {
			matches = append(matches, f.name)
		}
	}
	return strings.Join(matches, "+")
}

func TCPFieldsToString(hdr *header.TCPFields) string {
	return fmt.Sprintf("{SrcPort:%d DstPort:%d, SeqNum:%d AckNum:%d DataOffset:%d Flags:%s WindowSize:%d Checksum:%x UrgentPointer:%d}",
		hdr.SrcPort, hdr.DstPort, hdr.SeqNum, hdr.AckNum, hdr.DataOffset, TCPFlagsAsString(hdr.Flags), hdr.WindowSize, hdr.Checksum, hdr.UrgentPointer)
}

func ValidTCPChecksum(p *TCPPacket, srcIp netip.Addr, dstIp netip.Addr) bool {
	tcpChecksumFromHeader := p.TcpHeader.Checksum
	p.TcpHeader.Checksum = 0
	tcpComputedChecksum := ComputeTCPChecksum(p.TcpHeader, srcIp, dstIp, p.Payload)
	p.TcpHeader.Checksum = tcpChecksumFromHeader
	return tcpComputedChecksum == tcpChecksumFromHeader
}

/************************************ TCP Packet Helpers ***********************************/

func (p *TCPPacket) IsAck() bool {
	return p.TcpHeader.Flags&header.TCPFlagAck != 0
}

func (p *TCPPacket) IsFin() bool {
	return p.TcpHeader.Flags&header.TCPFlagFin != 0
}
