package saga

import (
	"context"
	"fmt"
)

// Operation is one saga request that can run inside a batch.
type Operation interface {
	Kind() Kind
	execute(ctx context.Context, o *Orchestrator) (any, error)
	keyed(key string) Operation
}

func (MintRequest) Kind() Kind      { return KindMintCollectible }
func (ListRequest) Kind() Kind      { return KindListOnMarket }
func (BuyRequest) Kind() Kind       { return KindBuyFromMarket }
func (TransferRequest) Kind() Kind  { return KindTransferFungible }
func (ClaimRequest) Kind() Kind     { return KindClaimReward }
func (VoteRequest) Kind() Kind      { return KindCastVote }
func (SaveWorldRequest) Kind() Kind { return KindSaveWorldSnapshot }
func (LoadWorldRequest) Kind() Kind { return KindLoadWorldSnapshot }

func (r MintRequest) execute(ctx context.Context, o *Orchestrator) (any, error) {
	return o.MintCollectible(ctx, r)
}
func (r ListRequest) execute(ctx context.Context, o *Orchestrator) (any, error) {
	return o.ListOnMarket(ctx, r)
}
func (r BuyRequest) execute(ctx context.Context, o *Orchestrator) (any, error) {
	return o.BuyFromMarket(ctx, r)
}
func (r TransferRequest) execute(ctx context.Context, o *Orchestrator) (any, error) {
	return o.TransferFungible(ctx, r)
}
func (r ClaimRequest) execute(ctx context.Context, o *Orchestrator) (any, error) {
	return o.ClaimReward(ctx, r)
}
func (r VoteRequest) execute(ctx context.Context, o *Orchestrator) (any, error) {
	return o.CastVote(ctx, r)
}
func (r SaveWorldRequest) execute(ctx context.Context, o *Orchestrator) (any, error) {
	return o.SaveWorldSnapshot(ctx, r)
}
func (r LoadWorldRequest) execute(ctx context.Context, o *Orchestrator) (any, error) {
	return o.LoadWorldSnapshot(ctx, r)
}

func (r MintRequest) keyed(k string) Operation {
	if r.IdempotencyKey == "" {
		r.IdempotencyKey = k
	}
	return r
}
func (r ListRequest) keyed(k string) Operation {
	if r.IdempotencyKey == "" {
		r.IdempotencyKey = k
	}
	return r
}
func (r BuyRequest) keyed(k string) Operation {
	if r.IdempotencyKey == "" {
		r.IdempotencyKey = k
	}
	return r
}
func (r TransferRequest) keyed(k string) Operation {
	if r.IdempotencyKey == "" {
		r.IdempotencyKey = k
	}
	return r
}
func (r SaveWorldRequest) keyed(k string) Operation {
	if r.IdempotencyKey == "" {
		r.IdempotencyKey = k
	}
	return r
}
func (r ClaimRequest) keyed(string) Operation     { return r }
func (r VoteRequest) keyed(string) Operation      { return r }
func (r LoadWorldRequest) keyed(string) Operation { return r }

// BatchItem is the outcome of one operation in a batch.
type BatchItem struct {
	Index  int    `json:"index"`
	Kind   Kind   `json:"kind"`
	Result any    `json:"result,omitempty"`
	Err    string `json:"error,omitempty"`
}

// BatchFailure pairs a failed operation with the stage it stopped at. Op
// carries the idempotency key the batch assigned, so resubmitting it lets the
// backend recognize the retry.
type BatchFailure struct {
	Index int       `json:"index"`
	Op    Operation `json:"-"`
	Stage string    `json:"stage"`
	Err   error     `json:"-"`
}

// BatchResult reports every item. Success is true only when no item failed.
type BatchResult struct {
	Record
	Success  bool           `json:"success"`
	Items    []BatchItem    `json:"items"`
	Failures []BatchFailure `json:"failures,omitempty"`
}

// Batch runs ops one after another. A failed item does not stop the batch.
// Only a cancelled context ends it early; the remaining items are reported as
// failed at the precondition stage.
func (o *Orchestrator) Batch(ctx context.Context, ops []Operation) BatchResult {
	stages := make([]string, len(ops))
	for i, op := range ops {
		stages[i] = itemStage(i, op.Kind())
	}
	r := o.begin(KindBatch, stages)
	out := BatchResult{Items: make([]BatchItem, 0, len(ops))}

	for i, op := range ops {
		op = op.keyed(fmt.Sprintf("%s:%d", r.rec.ID, i))
		item := BatchItem{Index: i, Kind: op.Kind()}
		var err error
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = &StageError{Kind: op.Kind(), Stage: StagePrecondition, Err: classify(StagePrecondition, ctxErr)}
		} else {
			item.Result, err = op.execute(ctx, o)
		}
		if err != nil {
			item.Err = err.Error()
			stage := StageOf(err)
			if stage == "" {
				stage = StagePrecondition
			}
			out.Failures = append(out.Failures, BatchFailure{Index: i, Op: op, Stage: stage, Err: err})
			r.rec.Steps[i].Status = StatusFailed
			r.rec.Steps[i].Error = err.Error()
		} else {
			r.rec.Steps[i].Status = StatusSucceeded
		}
		out.Items = append(out.Items, item)
	}

	out.Success = len(out.Failures) == 0
	r.rec.FinishedAt = o.now().UTC()
	r.rec.Succeeded = out.Success
	o.metrics.SagaCompleted(string(KindBatch), out.Success)
	r.log.Info("batch finished", "items", len(ops), "failures", len(out.Failures))
	out.Record = *r.rec
	return out
}

func itemStage(i int, k Kind) string {
	return fmt.Sprintf("item-%d:%s", i, k)
}
