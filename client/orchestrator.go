package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/newswire/crypto"
	"github.com/opd-ai/newswire/envelope"
	"github.com/opd-ai/newswire/message"
	"github.com/opd-ai/newswire/protocol"
	"github.com/opd-ai/newswire/reconcile"
	"github.com/opd-ai/newswire/stats"
)

// Source is one configured remote endpoint.
type Source struct {
	Name      string
	URL       string
	Version   protocol.Version // empty selects protocol.Latest
	Frequency time.Duration
	// RecipientKey is the remote's box public key; requests are sealed
	// for it when set and the version allows sealing.
	RecipientKey    [crypto.KeySize]byte
	HasRecipientKey bool
	// SignerKey is the remote's signing public key; responses are
	// verified against it when set.
	SignerKey    [crypto.KeySize]byte
	HasSignerKey bool
	// Extra holds source-specific extension fields sent verbatim.
	Extra map[string]string
}

func (s Source) version() protocol.Version {
	if s.Version == "" {
		return protocol.Latest
	}
	return s.Version
}

// Identity carries the instance identity fields stamped onto every
// request.
type Identity struct {
	InstanceHash     string
	InstanceHash2    string
	DBUID            string
	Env              string
	AppName          string
	AppVersion       string
	ExtensionVersion string
}

// Modes distinguishing who triggered a cycle.
const (
	ModeBackground = "background"
	ModeCatchup    = "catchup"
)

// CycleResult summarizes one RunPull or RunPush invocation.
type CycleResult struct {
	Processed int
	// NotDue counts sources skipped by the scheduling gate.
	NotDue int
	Failed int
}

// Orchestrator drives the consumer role across configured sources.
type Orchestrator struct {
	transport Transport
	state     message.StateStore
	engine    *reconcile.Engine
	reporter  *stats.Reporter
	identity  Identity
	keyPair   *crypto.KeyPair
	now       func() time.Time
}

// NewOrchestrator wires the consumer. reporter may be nil when
// statistics reporting is disabled; keyPair may be nil when no source
// seals its responses.
func NewOrchestrator(transport Transport, state message.StateStore, engine *reconcile.Engine, reporter *stats.Reporter, identity Identity, keyPair *crypto.KeyPair) *Orchestrator {
	return &Orchestrator{
		transport: transport,
		state:     state,
		engine:    engine,
		reporter:  reporter,
		identity:  identity,
		keyPair:   keyPair,
		now:       time.Now,
	}
}

// RunPull fetches messages from every due source and reconciles them
// into local storage. Per-source failures are logged and skipped; the
// next scheduled cycle retries.
func (o *Orchestrator) RunPull(ctx context.Context, sources []Source, mode string) CycleResult {
	var result CycleResult

	for _, src := range sources {
		due, err := o.isDue(ctx, src, protocol.OpGetMessages)
		if err != nil {
			o.logSourceError(src, protocol.OpGetMessages, err)
			result.Failed++
			continue
		}
		if !due {
			result.NotDue++
			continue
		}

		if err := o.pullSource(ctx, src, mode); err != nil {
			o.logSourceError(src, protocol.OpGetMessages, err)
			result.Failed++
			continue
		}
		result.Processed++
	}
	return result
}

// RunPush sends the statistics report to every due source. It is a
// no-op when reporting is disabled.
func (o *Orchestrator) RunPush(ctx context.Context, sources []Source, mode string) CycleResult {
	var result CycleResult
	if o.reporter == nil {
		return result
	}

	cache := stats.NewRunCache()
	for _, src := range sources {
		due, err := o.isDue(ctx, src, protocol.OpReportStatistics)
		if err != nil {
			o.logSourceError(src, protocol.OpReportStatistics, err)
			result.Failed++
			continue
		}
		if !due {
			result.NotDue++
			continue
		}

		if err := o.pushSource(ctx, src, mode, cache); err != nil {
			o.logSourceError(src, protocol.OpReportStatistics, err)
			result.Failed++
			continue
		}
		result.Processed++
	}
	return result
}

func (o *Orchestrator) isDue(ctx context.Context, src Source, operation string) (bool, error) {
	last, executed, err := o.state.GetLastExecution(ctx, src.Name, operation)
	if err != nil {
		return false, fmt.Errorf("reading last execution: %w", err)
	}
	return IsOperationReadyToExecute(last, executed, src.Frequency, o.now()), nil
}

func (o *Orchestrator) pullSource(ctx context.Context, src Source, mode string) error {
	resp, err := o.exchange(ctx, src, protocol.OpGetMessages, mode, nil)
	if err != nil {
		return err
	}

	if _, err := o.engine.Apply(ctx, src.Name, resp.Messages); err != nil {
		return fmt.Errorf("reconciling: %w", err)
	}

	// The retrieval timestamp only advances on a fully decoded,
	// reconciled cycle.
	if err := o.state.SetLastExecution(ctx, src.Name, protocol.OpGetMessages, o.now()); err != nil {
		return fmt.Errorf("recording execution: %w", err)
	}
	return nil
}

func (o *Orchestrator) pushSource(ctx context.Context, src Source, mode string, cache *stats.RunCache) error {
	report, err := o.reporter.BuildReport(ctx, cache, src.Name)
	if err != nil {
		return fmt.Errorf("building report: %w", err)
	}

	// The response to a statistics push carries nothing of interest
	// beyond the token confirmation, which exchange already handled.
	if _, err := o.exchange(ctx, src, protocol.OpReportStatistics, mode, report); err != nil {
		return err
	}

	if err := o.state.SetLastExecution(ctx, src.Name, protocol.OpReportStatistics, o.now()); err != nil {
		return fmt.Errorf("recording execution: %w", err)
	}
	return nil
}

// exchange performs one request/response round trip: request shaping,
// envelope encoding, transport, decoding, signature verification, and
// token rotation.
func (o *Orchestrator) exchange(ctx context.Context, src Source, operation, mode string, body any) (*protocol.Response, error) {
	spec, err := protocol.Lookup(src.version())
	if err != nil {
		return nil, err
	}

	current, candidate, err := o.prepareTokens(ctx, src, spec)
	if err != nil {
		return nil, err
	}

	req := protocol.Request{
		Operation:        operation,
		Mode:             mode,
		InstanceHash:     o.identity.InstanceHash,
		InstanceHash2:    o.identity.InstanceHash2,
		DBUID:            o.identity.DBUID,
		Env:              o.identity.Env,
		AppName:          o.identity.AppName,
		AppVersion:       o.identity.AppVersion,
		ExtensionVersion: o.identity.ExtensionVersion,
		ClientToken:      current,
		NewClientToken:   candidate,
		Body:             body,
		Extra:            src.Extra,
	}
	fields, err := req.Shape(spec)
	if err != nil {
		return nil, err
	}

	wireBody, err := encodeRequest(spec, src, fields)
	if err != nil {
		return nil, err
	}

	status, respBody, err := o.transport.Post(ctx, src.URL, wireBody)
	if err != nil {
		return nil, err
	}
	if status != 200 {
		return nil, fmt.Errorf("%w: status %d from %s", ErrTransport, status, src.Name)
	}

	payload, err := decodeResponse(spec, respBody, o.keyPair)
	if err != nil {
		return nil, err
	}

	if src.HasSignerKey {
		if err := protocol.VerifyResponseSignature(spec, payload, o.identity.ExtensionVersion, src.SignerKey); err != nil {
			return nil, err
		}
	}

	resp, err := protocol.ParseResponse(spec, payload)
	if err != nil {
		return nil, err
	}

	o.commitToken(ctx, src, spec, candidate, resp)
	return resp, nil
}

// prepareTokens returns the current client token (bootstrapping one on
// first contact) and a fresh candidate for rotation.
func (o *Orchestrator) prepareTokens(ctx context.Context, src Source, spec protocol.Spec) (string, string, error) {
	if !spec.TokenRequired {
		return "", "", nil
	}

	current, found, err := o.state.GetClientToken(ctx, src.Name)
	if err != nil {
		return "", "", fmt.Errorf("reading client token: %w", err)
	}
	if !found || current == "" {
		current, err = protocol.GenerateToken()
		if err != nil {
			return "", "", err
		}
		if err := o.state.SetClientToken(ctx, src.Name, current); err != nil {
			return "", "", fmt.Errorf("storing bootstrap token: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"package": "client",
			"source":  src.Name,
		}).Info("bootstrapped client token on first contact")
	}

	candidate, err := protocol.GenerateToken()
	if err != nil {
		return "", "", err
	}
	return current, candidate, nil
}

// commitToken finishes the token rotation after a fully decoded
// response. Split-token versions sent a candidate and commit it only
// when the response echoes that exact value; single-token versions
// carry no candidate, so the server mints the next token and the
// client adopts it as sent.
func (o *Orchestrator) commitToken(ctx context.Context, src Source, spec protocol.Spec, candidate string, resp *protocol.Response) {
	if !spec.TokenRequired {
		return
	}

	next := resp.NewClientToken
	if spec.SplitToken && next != candidate {
		if next != "" {
			logrus.WithFields(logrus.Fields{
				"package": "client",
				"source":  src.Name,
			}).Warn("response token does not confirm the sent candidate, keeping previous token")
		}
		return
	}
	if !protocol.ValidToken(next) {
		return
	}

	if err := o.state.SetClientToken(ctx, src.Name, next); err != nil {
		logrus.WithFields(logrus.Fields{
			"package": "client",
			"source":  src.Name,
			"error":   err.Error(),
		}).Error("failed to persist rotated token")
	}
}

func (o *Orchestrator) logSourceError(src Source, operation string, err error) {
	logrus.WithFields(logrus.Fields{
		"package":   "client",
		"source":    src.Name,
		"operation": operation,
		"error":     err.Error(),
	}).Warn("skipping source for this cycle")
}

// encodeRequest renders the shaped fields into the transport body.
// Enveloped versions send a two-field form carrying the version tag and
// the base64 envelope; 1.0 sends its fields as discrete form
// parameters.
func encodeRequest(spec protocol.Spec, src Source, fields map[string]any) ([]byte, error) {
	if !spec.Enveloped {
		form := url.Values{}
		for k, v := range fields {
			form.Set(k, fmt.Sprint(v))
		}
		return []byte(form.Encode()), nil
	}

	alg := envelope.Plain
	if spec.Sealable && src.HasRecipientKey {
		alg = envelope.Sealed
	}
	encoded, err := envelope.Encode(fields, alg, src.RecipientKey)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("version", string(spec.Tag))
	form.Set("payload", encoded)
	return []byte(form.Encode()), nil
}

// decodeResponse reverses the response framing: a base64 envelope for
// enveloped versions, a bare JSON array for 1.0.
func decodeResponse(spec protocol.Spec, body []byte, keyPair *crypto.KeyPair) (map[string]any, error) {
	if !spec.Enveloped {
		return protocol.ParseFlatBody(body)
	}
	return envelope.Decode(strings.TrimSpace(string(body)), keyPair)
}
