//go:build linux

package nfqueue

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/florianl/go-nfqueue"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/igjeong/daddr/packet"
)

// Queue is a bound NFQUEUE.
type Queue struct {
	cfg    Config
	proc   Processor
	logger *logrus.Entry
	nf     *nfqueue.Nfqueue

	verdictErrors uint64
}

// Open binds queue cfg.Num. It requires CAP_NET_ADMIN.
func Open(cfg Config, proc Processor, logger *logrus.Entry) (*Queue, error) {
	if logger == nil {
		logger = logrus.WithField("component", "nfqueue")
	}

	af := uint8(unix.AF_INET)
	if cfg.Family == packet.FamilyIPv6 {
		af = unix.AF_INET6
	}

	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      cfg.Num,
		MaxPacketLen: cfg.MaxPacketLen,
		MaxQueueLen:  cfg.MaxLen,
		AfFamily:     af,
		Copymode:     nfqueue.NfQnlCopyPacket,
		ReadTimeout:  time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open nfqueue %d: %w", cfg.Num, err)
	}

	return &Queue{cfg: cfg, proc: proc, logger: logger, nf: nf}, nil
}

// Run processes packets until ctx is done, then closes the queue.
func (q *Queue) Run(ctx context.Context) error {
	var lastIdleLog time.Time
	errFn := func(e error) int {
		if e == nil {
			return 0
		}
		if strings.Contains(strings.ToLower(e.Error()), "timeout") {
			if time.Since(lastIdleLog) > time.Minute {
				q.logger.Debug("Queue idle")
				lastIdleLog = time.Now()
			}
			return 0
		}
		q.logger.WithError(e).Error("Queue receive error")
		return 0
	}

	if err := q.nf.RegisterWithErrorFunc(ctx, q.handle, errFn); err != nil {
		q.nf.Close()
		return fmt.Errorf("failed to register nfqueue hook: %w", err)
	}

	q.logger.WithFields(logrus.Fields{
		"queue":  q.cfg.Num,
		"family": q.cfg.Family,
	}).Info("Queue started")

	<-ctx.Done()
	return q.Close()
}

func (q *Queue) handle(a nfqueue.Attribute) int {
	if a.PacketID == nil {
		return 0
	}
	id := *a.PacketID
	if a.Payload == nil || len(*a.Payload) == 0 {
		q.verdict(id, nfqueue.NfAccept, nil)
		return 0
	}

	action, out := Decide(q.proc, *a.Payload)
	switch action {
	case ActionDrop:
		q.verdict(id, nfqueue.NfDrop, nil)
	case ActionAcceptModified:
		q.verdict(id, nfqueue.NfAccept, out)
	default:
		q.verdict(id, nfqueue.NfAccept, nil)
	}
	return 0
}

func (q *Queue) verdict(id uint32, v int, modified []byte) {
	var err error
	if modified != nil {
		err = q.nf.SetVerdictModPacket(id, v, modified)
	} else {
		err = q.nf.SetVerdict(id, v)
	}
	if err != nil {
		atomic.AddUint64(&q.verdictErrors, 1)
		q.logger.WithError(err).WithField("packet_id", id).Warn("Failed to set verdict")
	}
}

// VerdictErrors returns how many verdicts could not be delivered.
func (q *Queue) VerdictErrors() uint64 {
	return atomic.LoadUint64(&q.verdictErrors)
}

// Close releases the queue.
func (q *Queue) Close() error {
	if err := q.nf.Close(); err != nil {
		return fmt.Errorf("failed to close nfqueue: %w", err)
	}
	q.logger.Info("Queue closed")
	return nil
}
