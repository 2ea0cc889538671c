//go:build !linux

package nfqueue

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Queue is unavailable outside Linux.
type Queue struct{}

// Open always fails with ErrUnsupportedPlatform.
func Open(cfg Config, proc Processor, logger *logrus.Entry) (*Queue, error) {
	return nil, ErrUnsupportedPlatform
}

func (q *Queue) Run(ctx context.Context) error { return ErrUnsupportedPlatform }
func (q *Queue) VerdictErrors() uint64         { return 0 }
func (q *Queue) Close() error                  { return nil }
