package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Message is addressed to the subject whose break was ended on their behalf.
type Message struct {
	TenantID string
	Subject  string
	Label    string
	Title    string
	Body     string
}

// Outbound delivers a message to one subject. Delivery is best effort.
type Outbound interface {
	Notify(ctx context.Context, msg Message) error
}

// LogOutbound writes messages to the log instead of delivering them.
type LogOutbound struct {
	Log *zap.Logger
}

func (o LogOutbound) Notify(_ context.Context, msg Message) error {
	o.Log.Info("outbound notification",
		zap.String("tenant", msg.TenantID),
		zap.String("subject", msg.Subject),
		zap.String("title", msg.Title),
		zap.String("body", msg.Body))
	return nil
}

// Multi sends to every channel and joins the failures.
type Multi []Outbound

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, o := range m {
		if err := o.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const defaultOutboundTimeout = 10 * time.Second

// Async hands messages to Next on a goroutine so the caller never waits on delivery.
// Failures are logged.
type Async struct {
	Next    Outbound
	Log     *zap.Logger
	Timeout time.Duration

	wg sync.WaitGroup
}

func (a *Async) Notify(ctx context.Context, msg Message) error {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = defaultOutboundTimeout
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := a.Next.Notify(sendCtx, msg); err != nil && a.Log != nil {
			a.Log.Warn("outbound notification failed",
				zap.String("tenant", msg.TenantID),
				zap.String("subject", msg.Subject),
				zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (a *Async) Wait() {
	a.wg.Wait()
}
