package iface

import (
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PcapWriter mirrors raw frames to a pcap file for post-hoc inspection
// with Wireshark. It sits beside the stack's own hand-rolled Ethernet
// parser — it never feeds decoded results back into the stack, it only
// re-decodes a copy for the dump, grounded on the pack's
// telemetry/flow-enricher pcap_consumer.go/decode.go use of gopacket for
// exactly this kind of out-of-band decode.
type PcapWriter struct {
	w *pcapgo.Writer
}

// NewPcapWriter writes a pcap file header to out and returns a writer
// ready to accept frames via Write.
func NewPcapWriter(out io.Writer, snaplen uint32) (*PcapWriter, error) {
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(snaplen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("iface: pcap header: %w", err)
	}
	return &PcapWriter{w: w}, nil
}

// Write appends one captured Ethernet frame, timestamped now.
func (p *PcapWriter) Write(frame []byte) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	return p.w.WritePacket(ci, frame)
}
