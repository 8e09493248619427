// Package federation is the client's outbound RPC surface to the
// federation of consensus servers: submitting transactions, polling for
// their fate, and watching individual outputs resolve. Every method here
// is a collaborator the core core consumes but does not define; the
// concrete implementation in this package talks to the federation over
// NATS request/reply, mirroring the clustered EventBus the wider example
// pack uses for inter-service calls.
package federation

import (
	"context"

	"github.com/fluxorio/fedclient/pkg/txtypes"
)

// Status is the definitive or provisional outcome of a submitted
// transaction.
type Status int

const (
	// StatusTransient means the federation could not give a definitive
	// answer yet (e.g. not enough guardians have signed off); the caller
	// should back off and retry.
	StatusTransient Status = iota
	// StatusAccepted means consensus accepted the transaction.
	StatusAccepted
	// StatusRejected means consensus rejected the transaction.
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	default:
		return "transient"
	}
}

// Outcome is the result of submitting or querying a transaction.
type Outcome struct {
	Status Status
	Error  string // populated when Status == StatusRejected
}

// ApiVersionSet is the set of api versions the federation reports
// supporting for each module kind, keyed by module kind.
type ApiVersionSet map[string]int

// VersionSummary is the client's own supported-version summary, sent to
// discover_api_versions so the federation can pick a mutually supported
// version per module.
type VersionSummary map[string]int

// Client is the unscoped RPC handle the core uses for federation-wide
// operations: submitting and polling transactions, discovering api
// versions. Implementations must be safe for concurrent use — many
// executor workers call through the same Client.
type Client interface {
	// SubmitTransaction submits tx for consensus. A non-nil error means
	// the call itself failed (e.g. context canceled); a definitive
	// accept/reject is reported through Outcome, not error.
	SubmitTransaction(ctx context.Context, tx txtypes.Transaction) (Outcome, error)

	// QueryTransaction polls for a previously submitted transaction's
	// fate. found is false if the federation has no record of txid yet
	// (not a transient outcome — the submission itself may not have
	// reached enough guardians).
	QueryTransaction(ctx context.Context, txid txtypes.TransactionID) (outcome Outcome, found bool, err error)

	// AwaitOutputOutcome blocks until the federation reports a final
	// outcome for the given output, decoding the opaque result with
	// decode. Used by modules tracking an output's value becoming
	// spendable (e.g. a mint note reaching maturity).
	AwaitOutputOutcome(ctx context.Context, out txtypes.OutPoint, decode func([]byte) (any, error)) (any, error)

	// DiscoverApiVersions asks the federation which api version it will
	// speak for each module kind named in summary.
	DiscoverApiVersions(ctx context.Context, summary VersionSummary) (ApiVersionSet, error)
}

// ModuleAPI is Client scoped to a single module instance: the instance id
// is bound into every request so the module never has to learn or pass
// its own id.
type ModuleAPI interface {
	Client
	ModuleInstanceID() txtypes.ModuleInstanceID
}

// API is an alias kept distinct from Client at the type level for
// documentation purposes: GlobalContext.API() returns the unscoped handle
// under this name, matching spec §4.7's naming.
type API = Client
