// Package pcapreplay runs captured traffic through the rewrite engine offline.
package pcapreplay

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"

	"github.com/igjeong/daddr/packet"
	"github.com/igjeong/daddr/rewrite"
)

// Processor is the packet path a capture is replayed through.
type Processor interface {
	Process(h packet.Handle) rewrite.Verdict
}

// Options controls a replay.
type Options struct {
	// Verify recomputes the IP and transport checksums of every rewritten
	// packet from scratch.
	Verify bool
	Logger *logrus.Entry
}

// Result summarizes a replay.
type Result struct {
	Packets        int // Records read
	IPPackets      int // Records carrying IPv4 or IPv6
	Rewritten      int
	Dropped        int // Not written to the output
	VerifyFailures int
}

// Replay reads a pcap stream from r, runs every IP packet through p and
// writes the surviving records to w with the same link type.
func Replay(r io.Reader, w io.Writer, p Processor, opts Options) (Result, error) {
	var res Result

	logger := opts.Logger
	if logger == nil {
		logger = logrus.WithField("component", "replay")
	}

	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return res, fmt.Errorf("failed to open pcap stream: %w", err)
	}
	linkType := reader.LinkType()

	writer := pcapgo.NewWriter(w)
	if err := writer.WriteFileHeader(reader.Snaplen(), linkType); err != nil {
		return res, fmt.Errorf("failed to write pcap header: %w", err)
	}

	for {
		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("failed to read packet %d: %w", res.Packets+1, err)
		}
		res.Packets++

		off, n, ok := networkSpan(data, linkType)
		if !ok {
			if err := writer.WritePacket(ci, data); err != nil {
				return res, fmt.Errorf("failed to write packet %d: %w", res.Packets, err)
			}
			continue
		}
		res.IPPackets++

		buf, err := packet.NewBuffer(data[off : off+n])
		if err != nil {
			if err := writer.WritePacket(ci, data); err != nil {
				return res, fmt.Errorf("failed to write packet %d: %w", res.Packets, err)
			}
			continue
		}

		if p.Process(buf) == rewrite.VerdictDrop {
			res.Dropped++
			logger.WithField("packet", res.Packets).Debug("Packet dropped")
			continue
		}

		if buf.Modified() {
			res.Rewritten++
			copy(data[off:], buf.Bytes())

			if opts.Verify {
				if err := VerifyChecksums(buf.Bytes()); err != nil {
					res.VerifyFailures++
					logger.WithError(err).WithField("packet", res.Packets).Warn("Checksum verification failed")
				}
			}
		}

		if err := writer.WritePacket(ci, data); err != nil {
			return res, fmt.Errorf("failed to write packet %d: %w", res.Packets, err)
		}
	}

	logger.WithFields(logrus.Fields{
		"packets":   res.Packets,
		"ip":        res.IPPackets,
		"rewritten": res.Rewritten,
		"dropped":   res.Dropped,
	}).Info("Replay finished")

	return res, nil
}

// networkSpan returns the offset and length of the IP packet inside a
// link-layer frame.
func networkSpan(data []byte, linkType layers.LinkType) (int, int, bool) {
	pkt := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	nl := pkt.NetworkLayer()
	if nl == nil {
		return 0, 0, false
	}
	switch nl.LayerType() {
	case layers.LayerTypeIPv4, layers.LayerTypeIPv6:
	default:
		return 0, 0, false
	}

	// With NoCopy the layer slices alias data.
	contents := nl.LayerContents()
	off := cap(data) - cap(contents)
	n := len(contents) + len(nl.LayerPayload())
	if off < 0 || off+n > len(data) {
		return 0, 0, false
	}
	return off, n, true
}
