package ipc

import (
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/igjeong/daddr/rewrite"
)

// ErrWrongMode is returned for a table command in direct mode and vice versa.
var ErrWrongMode = errors.New("command not valid in current mode")

// EngineController exposes a rewrite.Engine over IPC.
type EngineController struct {
	engine  *rewrite.Engine
	started time.Time
	queue   uint16
	logger  logrus.FieldLogger
}

// NewEngineController wraps e. started is reported as the uptime origin.
func NewEngineController(e *rewrite.Engine, started time.Time, queue uint16, logger logrus.FieldLogger) *EngineController {
	if logger == nil {
		logger = logrus.WithField("component", "ipc")
	}
	return &EngineController{engine: e, started: started, queue: queue, logger: logger}
}

func (c *EngineController) Status() *StatusResponse {
	sel := c.engine.Selector()
	stats := c.engine.Stats()
	uptime := time.Since(c.started).Truncate(time.Second)

	var rules []string
	var restore string
	switch s := sel.(type) {
	case *rewrite.DirectTarget:
		rules = []string{s.Rule()}
		restore = s.Save()
	case *rewrite.CodepointTable:
		rules = s.Rules()
	}

	return &StatusResponse{
		Running:          true,
		Uptime:           uptime,
		UptimeStr:        uptime.String(),
		Enabled:          c.engine.Enabled(),
		Active:           c.engine.HasActiveConfiguration(),
		Mode:             string(sel.Mode()),
		Family:           sel.Family().String(),
		Queue:            c.queue,
		Rules:            rules,
		Restore:          restore,
		PacketsProcessed: stats.Processed,
		PacketsRewritten: stats.Rewritten,
		PacketsUnchanged: stats.Unchanged,
		TransportSkipped: stats.TransportSkipped,
		PacketsDropped:   stats.Dropped,
	}
}

func (c *EngineController) table() (*rewrite.CodepointTable, error) {
	t, ok := c.engine.Selector().(*rewrite.CodepointTable)
	if !ok {
		return nil, ErrWrongMode
	}
	return t, nil
}

func (c *EngineController) Table() ([]TableEntry, error) {
	t, err := c.table()
	if err != nil {
		return nil, err
	}
	entries := t.Entries()
	out := make([]TableEntry, 0, len(entries))
	for i, addr := range entries {
		out = append(out, TableEntry{Index: i, Address: addr.String()})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out, nil
}

func (c *EngineController) SetEntry(index int, addr string) error {
	t, err := c.table()
	if err != nil {
		return err
	}
	a, err := rewrite.ParseAddress(t.Family(), addr)
	if err != nil {
		return err
	}
	if err := t.SetEntry(index, a); err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{"index": index, "address": a}).Info("Codepoint entry set")
	return nil
}

func (c *EngineController) ClearEntry(index int) error {
	t, err := c.table()
	if err != nil {
		return err
	}
	if err := t.ClearEntry(index); err != nil {
		return err
	}
	c.logger.WithField("index", index).Info("Codepoint entry cleared")
	return nil
}

func (c *EngineController) SetTarget(addr string) error {
	d, ok := c.engine.Selector().(*rewrite.DirectTarget)
	if !ok {
		return ErrWrongMode
	}
	a, err := rewrite.ParseAddress(d.Family(), addr)
	if err != nil {
		return err
	}
	if err := d.SetTarget(a); err != nil {
		return err
	}
	c.logger.WithField("target", a).Info("Direct target set")
	return nil
}

func (c *EngineController) Enable()  { c.engine.Enable() }
func (c *EngineController) Disable() { c.engine.Disable() }
