package adapter

import (
	"context"

	"rallypoint/internal/fault"
)

// CreateEach creates tickets one at a time so a rejected item never blocks its
// siblings. Items failing validation are recorded without a vendor call. When
// ctx ends mid-batch the remaining items are recorded as failed and ctx's error
// is returned alongside the partial batch.
func CreateEach(ctx context.Context, tickets []Ticket, create func(context.Context, Ticket) (TicketOutcome, error)) (TicketBatch, error) {
	batch := TicketBatch{Created: []TicketOutcome{}, Errors: []TicketOutcome{}}
	for _, t := range tickets {
		if err := ctx.Err(); err != nil {
			batch.Errors = append(batch.Errors, TicketOutcome{Ref: t.Ref, Summary: t.Summary, Error: err.Error()})
			continue
		}
		if err := fault.Validate(t); err != nil {
			batch.Errors = append(batch.Errors, TicketOutcome{Ref: t.Ref, Summary: t.Summary, Error: err.Error()})
			continue
		}
		out, err := create(ctx, t)
		if err != nil {
			batch.Errors = append(batch.Errors, TicketOutcome{Ref: t.Ref, Summary: t.Summary, Error: err.Error()})
			continue
		}
		out.Ref, out.Summary = t.Ref, t.Summary
		batch.Created = append(batch.Created, out)
	}
	return batch, ctx.Err()
}
