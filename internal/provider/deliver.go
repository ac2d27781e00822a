package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoRecipients is returned for a message with an empty recipient list.
var ErrNoRecipients = errors.New("provider: message has no recipients")

// DeliveryResult is the normalized outcome of a delivery attempt.
type DeliveryResult struct {
	OK         bool
	Diagnostic string
	Receipt    *Receipt
}

// Deliver sends msg through p and reduces every failure mode, including a
// panic inside the adapter, to OK=false with a diagnostic.
func Deliver(ctx context.Context, p Provider, msg *Message) (res DeliveryResult) {
	defer func() {
		if r := recover(); r != nil {
			res = DeliveryResult{Diagnostic: fmt.Sprintf("provider panic: %v", r)}
		}
	}()

	if p == nil {
		return DeliveryResult{Diagnostic: ErrUnconfigured.Error()}
	}
	if msg == nil || len(msg.To) == 0 {
		return DeliveryResult{Diagnostic: ErrNoRecipients.Error()}
	}

	start := time.Now()
	receipt, err := p.Send(ctx, msg)
	result := "ok"
	if err != nil {
		result = "failed"
	}
	SendDuration.WithLabelValues(p.Name(), result).Observe(time.Since(start).Seconds())

	if err != nil {
		diag := err.Error()
		var pe *ProviderError
		if errors.As(err, &pe) {
			if pe.Permanent {
				diag = "permanent: " + diag
			} else {
				diag = "transient: " + diag
			}
		}
		return DeliveryResult{Diagnostic: diag}
	}
	return DeliveryResult{OK: true, Receipt: receipt}
}
