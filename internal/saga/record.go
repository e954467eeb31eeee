package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devblac/chainforge/internal/fault"
	"github.com/google/uuid"
)

// Kind names an orchestrated operation.
type Kind string

const (
	KindMintCollectible   Kind = "mint_collectible"
	KindListOnMarket      Kind = "list_on_market"
	KindBuyFromMarket     Kind = "buy_from_market"
	KindTransferFungible  Kind = "transfer_fungible"
	KindClaimReward       Kind = "claim_reward"
	KindCastVote          Kind = "cast_vote"
	KindSaveWorldSnapshot Kind = "save_world_snapshot"
	KindLoadWorldSnapshot Kind = "load_world_snapshot"
	KindBatch             Kind = "batch"
)

// Stage names, in execution order per kind.
const (
	StageUploadArtifacts = "upload-artifacts"
	StagePrepareMint     = "prepare-mint"
	StageLedgerMint      = "ledger-mint"
	StageConfirmMint     = "confirm-mint"

	StageVerifyOwner    = "verify-owner"
	StagePrepareListing = "prepare-listing"
	StageLedgerList     = "ledger-list"
	StageConfirmListing = "confirm-listing"

	StageReadListing = "read-listing"
	StagePrepareBuy  = "prepare-buy"
	StageLedgerBuy   = "ledger-buy"
	StageConfirmBuy  = "confirm-buy"

	StagePrepareTransfer = "prepare-transfer"
	StageLedgerTransfer  = "ledger-transfer"
	StageConfirmTransfer = "confirm-transfer"

	StageReadReward   = "read-reward"
	StageLedgerClaim  = "ledger-claim"
	StageConfirmClaim = "confirm-claim"

	StageCheckEligibility = "check-eligibility"
	StageLedgerVote       = "ledger-vote"
	StageConfirmVote      = "confirm-vote"

	StageUploadSnapshot = "upload-snapshot"
	StageSaveWorld      = "save-world"
	StagePinSnapshot    = "pin-snapshot"

	StageReadWorld     = "read-world"
	StageFetchSnapshot = "fetch-snapshot"

	// StagePrecondition is reported when a saga fails before its first step,
	// for example because no wallet is connected.
	StagePrecondition = "precondition"
)

var stagePlans = map[Kind][]string{
	KindMintCollectible:   {StageUploadArtifacts, StagePrepareMint, StageLedgerMint, StageConfirmMint},
	KindListOnMarket:      {StageVerifyOwner, StagePrepareListing, StageLedgerList, StageConfirmListing},
	KindBuyFromMarket:     {StageReadListing, StagePrepareBuy, StageLedgerBuy, StageConfirmBuy},
	KindTransferFungible:  {StagePrepareTransfer, StageLedgerTransfer, StageConfirmTransfer},
	KindClaimReward:       {StageReadReward, StageLedgerClaim, StageConfirmClaim},
	KindCastVote:          {StageCheckEligibility, StageLedgerVote, StageConfirmVote},
	KindSaveWorldSnapshot: {StageUploadSnapshot, StageSaveWorld, StagePinSnapshot},
	KindLoadWorldSnapshot: {StageReadWorld, StageFetchSnapshot},
}

// Stages returns the fixed stage order for kind.
func Stages(kind Kind) []string {
	return append([]string(nil), stagePlans[kind]...)
}

// Status is a step's progress.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Step is one stage of a saga.
type Step struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Record is the in-memory trace of one saga call.
type Record struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Steps      []Step    `json:"steps"`
	TxHash     string    `json:"tx_hash,omitempty"`
	Succeeded  bool      `json:"succeeded"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// StageError reports the first failing stage of a saga. Err carries the
// classified *fault.Error.
type StageError struct {
	SagaID string
	Kind   Kind
	Stage  string
	Err    error
	Record Record
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %s failed at %s: %v", e.Kind, e.SagaID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the failing stage recorded in err, if any.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

type run struct {
	o   *Orchestrator
	rec *Record
	log *slog.Logger
}

func (o *Orchestrator) begin(kind Kind, stages []string) *run {
	rec := &Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		StartedAt: o.now().UTC(),
	}
	for _, s := range stages {
		rec.Steps = append(rec.Steps, Step{Name: s, Status: StatusPending})
	}
	return &run{o: o, rec: rec, log: o.logger.With("saga", rec.ID, "kind", string(kind))}
}

// step runs fn for the named stage. The first failure is classified, recorded
// and returned as a *StageError; callers stop there.
func (r *run) step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	idx := r.index(name)
	if err := fn(ctx); err != nil {
		err = classify(name, err)
		if idx >= 0 {
			r.rec.Steps[idx].Status = StatusFailed
			r.rec.Steps[idx].Error = err.Error()
		}
		return r.fail(name, err)
	}
	if idx >= 0 {
		r.rec.Steps[idx].Status = StatusSucceeded
	}
	r.log.Debug("saga step succeeded", "stage", name)
	return nil
}

// precondition fails the saga before any stage ran.
func (r *run) precondition(err error) error {
	return r.fail(StagePrecondition, classify(StagePrecondition, err))
}

func (r *run) fail(stage string, err error) error {
	r.rec.FinishedAt = r.o.now().UTC()
	kind := fault.KindOf(err)
	r.log.Warn("saga failed", "stage", stage, "fault", kind.String(), "err", err)
	r.o.metrics.StageFailed(string(r.rec.Kind), stage, kind.String())
	r.o.metrics.SagaCompleted(string(r.rec.Kind), false)
	return &StageError{SagaID: r.rec.ID, Kind: r.rec.Kind, Stage: stage, Err: err, Record: *r.rec}
}

func (r *run) done() Record {
	r.rec.Succeeded = true
	r.rec.FinishedAt = r.o.now().UTC()
	r.log.Info("saga succeeded", "tx", r.rec.TxHash, "elapsed", r.rec.FinishedAt.Sub(r.rec.StartedAt))
	r.o.metrics.SagaCompleted(string(r.rec.Kind), true)
	return *r.rec
}

func (r *run) index(name string) int {
	for i, s := range r.rec.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func classify(op string, err error) error {
	if fault.KindOf(err) != fault.Unknown {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.NetworkUnavailable, op, err)
	}
	return fault.Wrap(fault.UpstreamFailure, op, err)
}
