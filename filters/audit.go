package filters

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mbus-go/contracts"
)

// Audit header keys
const (
	HeaderAuditSource = "x-audit-source"
	HeaderAuditTime   = "x-audit-time"
)

// Sender delivers a message to a named endpoint
type Sender interface {
	Send(ctx context.Context, endpoint string, msg *contracts.Message) error
}

// Audit forwards a copy of every handled message to an audit endpoint
type Audit struct {
	sender Sender
	queue  string
	source string
}

// NewAudit creates an after-consuming audit stage; source names the auditing endpoint
func NewAudit(sender Sender, queue, source string) *Audit {
	return &Audit{sender: sender, queue: queue, source: source}
}

// Name implements Stage
func (a *Audit) Name() string {
	return "Audit"
}

// Process implements Stage
func (a *Audit) Process(ctx context.Context, msg *contracts.Message) (Verdict, error) {
	c := msg.Clone()
	c.SetHeader(HeaderAuditSource, a.source)
	c.SetHeader(HeaderAuditTime, time.Now().UTC().Format(time.RFC3339Nano))
	if err := a.sender.Send(ctx, a.queue, c); err != nil {
		return Reject, fmt.Errorf("failed to forward message to audit queue %s: %w", a.queue, err)
	}
	return Pass, nil
}
