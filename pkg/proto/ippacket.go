package proto

import (
	"net/netip"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const (
	MTU                = 1400 // maximum-transmission-unit, default 1400 bytes
	DefaultIpHeaderLen = ipv4header.HeaderLen
	DefaultTTL         = 32

	ProtoNumTCP uint8 = uint8(header.TCPProtocolNumber)
)

type IPPacket struct {
	Header  *ipv4header.IPv4Header
	Payload []byte
}

// Create a new packet. msg will be truncated if packet length exceeds MTU
func NewIPPacket(srcIP netip.Addr, destIP netip.Addr, msg []byte, protoNum uint8) *IPPacket {
	hdr := newHeader(srcIP, destIP, msg, protoNum)
	return &IPPacket{
		Header:  hdr,
		Payload: msg[:hdr.TotalLen-hdr.Len],
	}
}

// Marshal fills in the header checksum and returns header and payload.
func (p *IPPacket) Marshal() ([]byte, error) {
	p.Header.Checksum = 0
	headerBytes, err := p.Header.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "error marshalling header")
	}
	p.Header.Checksum = int(ComputeChecksum(headerBytes))
	headerBytes, err = p.Header.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "error marshalling header")
	}

	bytesToSend := make([]byte, 0, len(headerBytes)+len(p.Payload))
	bytesToSend = append(bytesToSend, headerBytes...)
	bytesToSend = append(bytesToSend, p.Payload...)
	return bytesToSend, nil
}

// Unmarshal parses data and verifies the header checksum.
func (p *IPPacket) Unmarshal(data []byte) error {
	hdr, err := ipv4header.ParseHeader(data)
	if err != nil {
		return errors.Wrap(err, "error parsing header")
	}
	if hdr.TotalLen > len(data) || hdr.TotalLen < hdr.Len {
		return errors.Errorf("total length %d does not match %d received bytes", hdr.TotalLen, len(data))
	}
	if ValidateIPChecksum(data[:hdr.Len], uint16(hdr.Checksum)) != uint16(hdr.Checksum) {
		return errors.New("ip header checksum mismatch")
	}
	p.Header = hdr
	p.Payload = data[hdr.Len:hdr.TotalLen]
	return nil
}

func ComputeChecksum(b []byte) uint16 {
	checksum := header.Checksum(b, 0)
	// The stored value is the inverse so that the receiver can validate with
	// the same function.
	return checksum ^ 0xffff
}

// ValidateIPChecksum returns fromHeader if b, which still carries the
// checksum, is intact. Passing fromHeader as the initial value cancels the
// checksum field out of the sum.
func ValidateIPChecksum(b []byte, fromHeader uint16) uint16 {
	return header.Checksum(b, fromHeader)
}

func newHeader(srcIP netip.Addr, destIP netip.Addr, msg []byte, protoNum uint8) *ipv4header.IPv4Header {
	return &ipv4header.IPv4Header{
		Version:  4,
		Len:      DefaultIpHeaderLen, // Header length is always 20 when no IP option is provided
		TOS:      0,
		TotalLen: min(DefaultIpHeaderLen+len(msg), MTU),
		ID:       0,
		Flags:    0,
		FragOff:  0,
		TTL:      DefaultTTL,
		Protocol: int(protoNum),
		Checksum: 0, // Should be 0 until checksum is computed
		Src:      srcIP,
		Dst:      destIP,
		Options:  []byte{},
	}
}
