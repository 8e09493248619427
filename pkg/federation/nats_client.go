package federation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fluxorio/fedclient/pkg/core"
	"github.com/fluxorio/fedclient/pkg/txtypes"
)

// NATSConfig configures a federation Client backed by a NATS connection.
// Each guardian in the federation is assumed to be reachable behind the
// same subject namespace (a queue group per subject lets any guardian
// instance answer, matching how the wider pack's clustered EventBus
// request/reply already works).
type NATSConfig struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string
	// Prefix namespaces every subject this client uses. Default:
	// "fedclient".
	Prefix string
	// RequestTimeout bounds a single request/reply round trip. Default 5s.
	RequestTimeout time.Duration
	// PollInterval bounds how often AwaitOutputOutcome re-polls while
	// waiting for a definitive answer. Default 1s.
	PollInterval time.Duration
	// Tokens signs the module-scoped token attached to every request.
	// Required.
	Tokens *TokenGenerator
	// StatusURL, if set, names a guardian's REST status endpoint probed
	// over plain HTTP before DiscoverApiVersions's NATS round trip.
	// Optional; leave empty to skip the probe.
	StatusURL string
	// StatusTimeout bounds the status probe. Default 2s.
	StatusTimeout time.Duration
}

// DefaultNATSConfig fills in every field NATSConfig leaves zero.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Prefix:         "fedclient",
		RequestTimeout: 5 * time.Second,
		PollInterval:   time.Second,
	}
}

// natsClient is the unscoped Client implementation. moduleScoped wraps it
// to bind ModuleInstanceID() for ModuleAPI.
type natsClient struct {
	nc     *nats.Conn
	cfg    NATSConfig
	logger core.Logger
	probe  *healthProbe
	// instance is the module instance id signed into every token this
	// client attaches to a request. Zero for the unscoped Client returned
	// by NewNATSClient; ForInstance returns a copy bound to a specific
	// module so its requests are authenticated as that module, per
	// SPEC_FULL §2's "a module can call the federation without learning
	// its own instance id."
	instance txtypes.ModuleInstanceID
}

// NewNATSClient connects to the federation over NATS and returns a Client.
// The caller owns the lifetime of the returned connection via Close.
func NewNATSClient(cfg NATSConfig, logger core.Logger) (*natsClient, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "fedclient"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("federation: NATSConfig.Tokens is required")
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("fedclient"))
	if err != nil {
		return nil, fmt.Errorf("federation: connect to %s: %w", cfg.URL, err)
	}
	probe := newHealthProbe(cfg.StatusURL, cfg.StatusTimeout, logger)
	return &natsClient{nc: nc, cfg: cfg, logger: logger, probe: probe}, nil
}

// Close drains and closes the underlying NATS connection.
func (c *natsClient) Close() error {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return err
	}
	return nil
}

func (c *natsClient) subject(suffix string) string {
	return c.cfg.Prefix + "." + suffix
}

type submitWireRequest struct {
	Token string              `json:"token"`
	Tx    txtypes.Transaction `json:"tx"`
}

type outcomeWireResponse struct {
	Status string `json:"status"` // "accepted", "rejected", "transient"
	Error  string `json:"error,omitempty"`
	Found  bool   `json:"found"`
}

// isTransientRequestErr reports whether err means "no definitive answer
// arrived in time", which the federation API models as StatusTransient
// rather than a hard failure — a guardian quorum that hasn't replied yet
// looks identical, on the wire, to one that's merely slow.
func isTransientRequestErr(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, context.DeadlineExceeded)
}

func decodeOutcome(resp outcomeWireResponse) Outcome {
	switch resp.Status {
	case "accepted":
		return Outcome{Status: StatusAccepted}
	case "rejected":
		return Outcome{Status: StatusRejected, Error: resp.Error}
	default:
		return Outcome{Status: StatusTransient}
	}
}

func (c *natsClient) request(ctx context.Context, subject string, payload any, out any) error {
	data, err := core.JSONEncode(payload)
	if err != nil {
		return err
	}
	timeout := c.cfg.RequestTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(reqCtx, &nats.Msg{Subject: subject, Data: data})
	if err != nil {
		return fmt.Errorf("federation: request %s: %w", subject, err)
	}
	return core.JSONDecode(msg.Data, out)
}

// SubmitTransaction implements Client.
func (c *natsClient) SubmitTransaction(ctx context.Context, tx txtypes.Transaction) (Outcome, error) {
	token, err := c.cfg.Tokens.Sign(c.instance)
	if err != nil {
		return Outcome{}, err
	}
	var resp outcomeWireResponse
	if err := c.request(ctx, c.subject("submit"), submitWireRequest{Token: token, Tx: tx}, &resp); err != nil {
		if isTransientRequestErr(err) {
			return Outcome{Status: StatusTransient}, nil
		}
		return Outcome{}, err
	}
	return decodeOutcome(resp), nil
}

type queryWireRequest struct {
	Token string                `json:"token"`
	TxID  txtypes.TransactionID `json:"txid"`
}

// QueryTransaction implements Client.
func (c *natsClient) QueryTransaction(ctx context.Context, txid txtypes.TransactionID) (Outcome, bool, error) {
	token, err := c.cfg.Tokens.Sign(c.instance)
	if err != nil {
		return Outcome{}, false, err
	}
	var resp outcomeWireResponse
	if err := c.request(ctx, c.subject("query"), queryWireRequest{Token: token, TxID: txid}, &resp); err != nil {
		if isTransientRequestErr(err) {
			return Outcome{Status: StatusTransient}, false, nil
		}
		return Outcome{}, false, err
	}
	return decodeOutcome(resp), resp.Found, nil
}

type outputWireRequest struct {
	Out txtypes.OutPoint `json:"out"`
}

type outputWireResponse struct {
	Ready bool   `json:"ready"`
	Data  []byte `json:"data,omitempty"`
}

// AwaitOutputOutcome implements Client. It polls at PollInterval until the
// federation reports the output ready, decoding the final payload with
// decode.
func (c *natsClient) AwaitOutputOutcome(ctx context.Context, out txtypes.OutPoint, decode func([]byte) (any, error)) (any, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		var resp outputWireResponse
		if err := c.request(ctx, c.subject("output"), outputWireRequest{Out: out}, &resp); err != nil {
			if !isTransientRequestErr(err) {
				return nil, err
			}
		} else if resp.Ready {
			return decode(resp.Data)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type discoverWireRequest struct {
	Summary VersionSummary `json:"summary"`
}

// DiscoverApiVersions implements Client. If a status probe is configured
// it runs first, purely as a fast-failing diagnostic; its outcome never
// blocks or changes the NATS round trip that follows.
func (c *natsClient) DiscoverApiVersions(ctx context.Context, summary VersionSummary) (ApiVersionSet, error) {
	if c.probe != nil {
		c.probe.check(ctx)
	}
	var resp ApiVersionSet
	if err := c.request(ctx, c.subject("discover_versions"), discoverWireRequest{Summary: summary}, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// InstanceBinder is implemented by Client implementations that can bind an
// outbound module instance id into every request they authenticate (e.g.
// natsClient's signed token). NewModuleAPI uses it when present so a
// ModuleAPI's requests are actually authenticated as the owning module
// instead of silently carrying whatever instance the unscoped Client
// happened to be built with.
type InstanceBinder interface {
	// ForInstance returns a Client whose outbound requests are
	// authenticated as instance.
	ForInstance(instance txtypes.ModuleInstanceID) Client
}

// ForInstance implements InstanceBinder: it returns a copy of c signing
// every request's token as instance, sharing the same connection and
// configuration.
func (c *natsClient) ForInstance(instance txtypes.ModuleInstanceID) Client {
	scoped := *c
	scoped.instance = instance
	return &scoped
}

// moduleScoped adapts a Client into a ModuleAPI bound to one instance. If
// the wrapped Client implements InstanceBinder, every delegated call is
// actually authenticated as instance (SubmitTransaction/QueryTransaction's
// signed token carries it, per SPEC_FULL §2); otherwise moduleScoped falls
// back to embedding the Client unchanged, which is sufficient for test
// doubles that don't care which instance issued a call.
type moduleScoped struct {
	Client
	instance txtypes.ModuleInstanceID
}

// NewModuleAPI wraps client for exclusive use by one module instance.
func NewModuleAPI(client Client, instance txtypes.ModuleInstanceID) ModuleAPI {
	if binder, ok := client.(InstanceBinder); ok {
		client = binder.ForInstance(instance)
	}
	return &moduleScoped{Client: client, instance: instance}
}

func (m *moduleScoped) ModuleInstanceID() txtypes.ModuleInstanceID {
	return m.instance
}
