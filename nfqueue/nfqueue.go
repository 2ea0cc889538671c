// Package nfqueue attaches the rewrite engine to a Linux NFQUEUE.
//
// Packets are steered into the queue by a netfilter rule, for example
//
//	iptables -t mangle -A PREROUTING -j NFQUEUE --queue-num 0
//
// and handed back with an accept or drop verdict.
package nfqueue

import (
	"errors"

	"github.com/igjeong/daddr/packet"
	"github.com/igjeong/daddr/rewrite"
)

// ErrUnsupportedPlatform is returned by Open outside Linux.
var ErrUnsupportedPlatform = errors.New("nfqueue is only supported on linux")

// Config selects the queue and its limits.
type Config struct {
	Num          uint16
	MaxLen       uint32
	MaxPacketLen uint32
	Family       packet.Family
}

// Processor is the packet path driven by the queue.
type Processor interface {
	Process(h packet.Handle) rewrite.Verdict
}

// Action is the verdict handed back to the kernel.
type Action int

const (
	ActionAccept         Action = iota // Accept unchanged
	ActionAcceptModified               // Accept with the rewritten payload
	ActionDrop
)

func (a Action) String() string {
	switch a {
	case ActionAccept:
		return "accept"
	case ActionAcceptModified:
		return "accept-modified"
	case ActionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Decide runs p over a queued payload. The payload belongs to the netlink
// receive buffer, so it is treated as shared and copied before any write.
// The returned slice is the packet to send back with ActionAcceptModified.
func Decide(p Processor, payload []byte) (Action, []byte) {
	buf, err := packet.NewBuffer(payload)
	if err != nil {
		return ActionAccept, nil
	}
	buf.SetShared(true)

	if p.Process(buf) == rewrite.VerdictDrop {
		return ActionDrop, nil
	}
	if buf.Modified() {
		return ActionAcceptModified, buf.Bytes()
	}
	return ActionAccept, nil
}
