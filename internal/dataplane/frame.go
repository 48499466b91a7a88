// Package dataplane implements the layer-2 forwarding core that sits
// between the tap device and the per-peer links: frame decoding, the MAC
// learning / multicast membership tables, and the
// DataProtoSource/DataProtoFlow/DataProtoSink wiring that moves frames
// between the tap and a peer's transport (or a relay peer's transport).
package dataplane

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("dataplane")

// MAC is a fixed-size, comparable Ethernet address usable as a map key.
type MAC [6]byte

func macFrom(hw net.HardwareAddr) MAC {
	var m MAC
	copy(m[:], hw)
	return m
}

func (m MAC) String() string { return net.HardwareAddr(m[:]).String() }

// Kind classifies a decoded frame's destination addressing.
type Kind int

const (
	KindUnicast Kind = iota
	KindBroadcast
	KindMulticast
)

// Frame is one decoded Ethernet frame plus the raw bytes it was decoded
// from (kept so callers can forward the exact original bytes on).
type Frame struct {
	Raw    []byte
	SrcMAC MAC
	DstMAC MAC
	Kind   Kind

	// IGMP, when non-nil, is a join/leave membership report carried by
	// this frame.
	IGMP *IGMPReport
}

// IGMPReport describes a multicast group membership change.
type IGMPReport struct {
	Group MAC  // multicast MAC derived from the reported group address
	Join  bool // true = join/report, false = leave
}

// DecodeFrame parses raw as an Ethernet frame (optionally carrying an
// IPv4/IGMP payload) for the frame decider. Malformed frames are a parse
// error the caller should log and drop, never propagate as a fatal error
// — a runt frame is logged and dropped, never fatal.
func DecodeFrame(raw []byte) (*Frame, error) {
	pkt := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})
	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return nil, fmt.Errorf("dataplane: frame has no ethernet layer")
	}
	eth := ethLayer.(*layers.Ethernet)

	f := &Frame{
		Raw:    raw,
		SrcMAC: macFrom(eth.SrcMAC),
		DstMAC: macFrom(eth.DstMAC),
		Kind:   classify(eth.DstMAC),
	}

	if igmpLayer := pkt.Layer(layers.LayerTypeIGMP); igmpLayer != nil {
		f.IGMP = decodeIGMP(igmpLayer)
	}
	return f, nil
}

func classify(dst net.HardwareAddr) Kind {
	if isBroadcast(dst) {
		return KindBroadcast
	}
	if len(dst) > 0 && dst[0]&0x01 == 1 {
		return KindMulticast
	}
	return KindUnicast
}

func isBroadcast(hw net.HardwareAddr) bool {
	if len(hw) != 6 {
		return false
	}
	for _, b := range hw {
		if b != 0xff {
			return false
		}
	}
	return true
}

// decodeIGMP extracts a join/leave report. gopacket exposes both v1/v2
// (IGMPv1or2) and v3 (IGMP) layer shapes; only the common "one group,
// membership report vs leave" case is needed here since the upper layers
// only care about join/leave per group.
func decodeIGMP(l gopacket.Layer) *IGMPReport {
	switch v := l.(type) {
	case *layers.IGMP:
		join := v.Type == layers.IGMPMembershipReportV1 ||
			v.Type == layers.IGMPMembershipReportV2 ||
			v.Type == layers.IGMPMembershipReportV3
		return &IGMPReport{Group: groupMAC(v.GroupAddress), Join: join}
	case *layers.IGMPv1or2:
		join := v.Type == layers.IGMPMembershipReportV1 || v.Type == layers.IGMPMembershipReportV2
		return &IGMPReport{Group: groupMAC(v.GroupAddress), Join: join}
	default:
		return nil
	}
}

// groupMAC maps an IPv4 multicast group address onto its well-known
// Ethernet multicast MAC (01:00:5e + low 23 bits of the group address).
func groupMAC(ip net.IP) MAC {
	ip4 := ip.To4()
	var m MAC
	m[0], m[1], m[2] = 0x01, 0x00, 0x5e
	if ip4 != nil {
		m[3] = ip4[1] & 0x7f
		m[4] = ip4[2]
		m[5] = ip4[3]
	}
	return m
}
