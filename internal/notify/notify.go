// Package notify delivers page notifications in bounded batches.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// MaxBatch is the largest recipient list sent in one message.
const MaxBatch = 50

// Envelope is one outbound message.
type Envelope struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Transport sends one envelope and returns the provider's delivery id.
type Transport interface {
	Send(ctx context.Context, env Envelope) (string, error)
}

// Receipt records a delivered batch.
type Receipt struct {
	DeliveryID string   `json:"delivery_id"`
	Recipients []string `json:"recipients"`
}

// BatchError records a batch that could not be delivered.
type BatchError struct {
	Recipients []string `json:"recipients"`
	Err        error    `json:"-"`
}

func (e BatchError) Error() string {
	return fmt.Sprintf("batch of %d recipients: %v", len(e.Recipients), e.Err)
}

func (e BatchError) Unwrap() error { return e.Err }

// Result is the outcome of one Notify call.
type Result struct {
	Receipts []Receipt
	Failures []BatchError
}

// DeliveryIDs returns the delivery ids in batch order.
func (r Result) DeliveryIDs() []string {
	ids := make([]string, 0, len(r.Receipts))
	for _, rc := range r.Receipts {
		ids = append(ids, rc.DeliveryID)
	}
	return ids
}

// Err joins all batch failures, or nil.
func (r Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Batches splits recipients into consecutive chunks of at most n, keeping
// order. n <= 0 uses MaxBatch.
func Batches(recipients []string, n int) [][]string {
	if n <= 0 {
		n = MaxBatch
	}
	var out [][]string
	for start := 0; start < len(recipients); start += n {
		end := min(start+n, len(recipients))
		out = append(out, recipients[start:end])
	}
	return out
}

// SenderAddress returns the no-reply sender for a team. A non-empty
// domainOverride wins over the domain of the team key.
func SenderAddress(teamKey, domainOverride string) string {
	domain := strings.TrimSpace(domainOverride)
	if domain == "" {
		if i := strings.LastIndex(teamKey, "@"); i >= 0 {
			domain = teamKey[i+1:]
		}
	}
	if domain == "" {
		domain = "localhost"
	}
	return "no-reply@" + domain
}

// Dispatcher batches recipients over a transport.
type Dispatcher struct {
	Transport Transport
	BatchSize int
}

// Notify sends subject and body to every recipient, MaxBatch at a time.
// Every batch is attempted even when an earlier one fails. A batch that
// partly succeeds yields both a receipt and a failure.
func (d *Dispatcher) Notify(ctx context.Context, from string, recipients []string, subject, body string) Result {
	var res Result
	for _, batch := range Batches(recipients, d.BatchSize) {
		id, err := d.Transport.Send(ctx, Envelope{From: from, To: batch, Subject: subject, Body: body})
		var partial *PartialError
		if errors.As(err, &partial) {
			slog.Warn("Notification batch partly failed", "delivery_id", partial.DeliveryID, "failed", len(partial.Failed), "error", partial.Err)
			res.Receipts = append(res.Receipts, Receipt{DeliveryID: partial.DeliveryID, Recipients: partial.Sent})
			res.Failures = append(res.Failures, BatchError{Recipients: partial.Failed, Err: partial.Err})
			continue
		}
		if err != nil {
			slog.Warn("Notification batch failed", "recipients", len(batch), "error", err)
			res.Failures = append(res.Failures, BatchError{Recipients: batch, Err: err})
			continue
		}
		slog.Debug("Notification batch sent", "delivery_id", id, "recipients", len(batch))
		res.Receipts = append(res.Receipts, Receipt{DeliveryID: id, Recipients: batch})
	}
	return res
}
