// Package txsm implements the transaction-submission state machine of
// spec §4.5: the one module every transaction gets a state machine in,
// under the reserved instance id store.TxSubmissionModuleInstanceID. It
// submits a finalized transaction to the federation, races submission
// against a standing acceptance poll (so a crash after a prior submission
// is still observed), and retries transient outcomes with exponential
// backoff.
package txsm

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/fluxorio/fedclient/pkg/core"
	"github.com/fluxorio/fedclient/pkg/federation"
	"github.com/fluxorio/fedclient/pkg/sm"
	"github.com/fluxorio/fedclient/pkg/store"
	"github.com/fluxorio/fedclient/pkg/txtypes"
)

// submitRateLimit bounds how many submission attempts, across every
// tx-submission state machine in this process, may go out to the
// federation per second. A single slow or unreachable guardian set
// would otherwise turn many transactions' independent exponential
// backoffs into a synchronized submission storm once they all reset to
// the same short delay.
const submitRateLimit = rate.Limit(20)

// submitBurst lets a short queue of transactions created in the same
// instant submit immediately rather than queueing one by one behind the
// steady-state rate.
const submitBurst = 10

// InstanceID is the reserved module instance id tx-submission state
// machines are keyed under.
const InstanceID = store.TxSubmissionModuleInstanceID

// Variant names the three states a submission can be in.
type Variant string

const (
	VariantCreated  Variant = "created"
	VariantAccepted Variant = "accepted"
	VariantRejected Variant = "rejected"
)

// State is the tx-submission state machine's persisted state. Tx and
// NextSubmission are only meaningful in VariantCreated; Error only in
// VariantRejected.
type State struct {
	Variant        Variant               `json:"variant"`
	TxID           txtypes.TransactionID `json:"txid"`
	Tx             txtypes.Transaction   `json:"tx"`
	NextSubmission time.Time             `json:"next_submission,omitempty"`
	Attempt        int                   `json:"attempt"`
	Error          string                `json:"error,omitempty"`
}

// Encode implements sm.State.
func (s *State) Encode() ([]byte, error) {
	return core.JSONEncode(s)
}

// Identity implements sm.State: the transaction id uniquely identifies a
// submission state machine within its operation.
func (s *State) Identity() []byte {
	return s.TxID[:]
}

// decoder implements sm.Decoder for txsm states.
type decoder struct{}

func (decoder) Decode(data []byte) (sm.State, error) {
	var s State
	if err := core.JSONDecode(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// NewCreatedRecord builds the initial active Record for a freshly
// finalized transaction, ready to hand to sm.AddStateMachines alongside
// the records its inputs/outputs generated.
func NewCreatedRecord(opID txtypes.OperationID, txid txtypes.TransactionID, tx txtypes.Transaction) sm.Record {
	state := &State{Variant: VariantCreated, TxID: txid, Tx: tx, NextSubmission: time.Now()}
	encoded, err := state.Encode()
	if err != nil {
		// State.Encode only fails if json.Marshal fails on a value this
		// package fully controls; treat as an invariant violation.
		panic("txsm: failed to encode initial Created state: " + err.Error())
	}
	return sm.Record{ModuleInstanceID: InstanceID, OperationID: opID, Identity: state.Identity(), StateBytes: encoded}
}

// Module implements sm.ClientModule for the reserved tx-submission
// instance. It is never eligible to be the primary module.
type Module struct {
	fed     federation.Client
	limiter *rate.Limiter
}

// NewModule builds the tx-submission module, talking to the federation
// through fed. Every submission attempt across all of this module's
// state machines shares one token-bucket limiter.
func NewModule(fed federation.Client) *Module {
	return &Module{fed: fed, limiter: rate.NewLimiter(submitRateLimit, submitBurst)}
}

// Decoder implements sm.ClientModule.
func (m *Module) Decoder() sm.Decoder {
	return decoder{}
}

// IsTerminal implements sm.ClientModule: Accepted and Rejected are
// terminal, Created is not.
func (m *Module) IsTerminal(state sm.State) bool {
	s := state.(*State)
	return s.Variant == VariantAccepted || s.Variant == VariantRejected
}

// Transitions implements sm.ClientModule. Only VariantCreated states are
// ever passed in (Accepted/Rejected are terminal and never re-scheduled).
func (m *Module) Transitions(ctx context.Context, gctx sm.GlobalContext, state sm.State) ([]sm.Transition, error) {
	s := state.(*State)
	return []sm.Transition{
		{Trigger: m.submitAndPollTrigger(s), Step: m.step},
		{Trigger: m.queryAcceptanceTrigger(s), Step: m.step},
	}, nil
}

// step applies whatever outcome a trigger resolved with. Both triggers
// resolve to a federation.Outcome, so one step implementation suffices
// regardless of which trigger won the race.
func (m *Module) step(ctx context.Context, triggerResult any, old sm.State, tx *store.Tx) (sm.State, error) {
	s := old.(*State)
	outcome := triggerResult.(federation.Outcome)

	switch outcome.Status {
	case federation.StatusAccepted:
		return &State{Variant: VariantAccepted, TxID: s.TxID}, nil
	case federation.StatusRejected:
		return &State{Variant: VariantRejected, TxID: s.TxID, Error: outcome.Error}, nil
	default: // transient: back off and resubmit
		return &State{
			Variant:        VariantCreated,
			TxID:           s.TxID,
			Tx:             s.Tx,
			NextSubmission: time.Now().Add(Backoff(s.Attempt)),
			Attempt:        s.Attempt + 1,
		}, nil
	}
}

// minBackoff and maxBackoff bound Backoff's exponential schedule, per
// spec §4.5: "exponential starting at one second, capped at one minute."
const (
	minBackoff = time.Second
	maxBackoff = time.Minute
)

// Backoff returns the delay before the (attempt+1)th submission attempt.
func Backoff(attempt int) time.Duration {
	d := minBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// submitAndPollTrigger waits until s.NextSubmission, then submits the
// transaction once and resolves with whatever outcome the federation
// gives.
func (m *Module) submitAndPollTrigger(s *State) sm.TriggerFunc {
	return func(ctx context.Context) (any, error) {
		if d := time.Until(s.NextSubmission); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		outcome, err := m.fed.SubmitTransaction(ctx, s.Tx)
		if err != nil {
			return nil, err
		}
		return outcome, nil
	}
}

// acceptancePollInterval bounds how often queryAcceptanceTrigger re-polls
// the federation for a transaction this client may have already
// submitted in a prior process lifetime.
const acceptancePollInterval = 2 * time.Second

// queryAcceptanceTrigger polls the federation independently of
// submission, so a crash after a submission whose response was never
// observed still converges: this trigger will eventually see the
// federation's side of the story even if submitAndPollTrigger never runs
// again.
func (m *Module) queryAcceptanceTrigger(s *State) sm.TriggerFunc {
	return func(ctx context.Context) (any, error) {
		ticker := time.NewTicker(acceptancePollInterval)
		defer ticker.Stop()
		for {
			outcome, found, err := m.fed.QueryTransaction(ctx, s.TxID)
			if err == nil && found && outcome.Status != federation.StatusTransient {
				return outcome, nil
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ticker.C:
			}
		}
	}
}
