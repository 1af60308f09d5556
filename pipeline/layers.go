package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh-go/event"
	"github.com/flowmesh/flowmesh-go/sign"
	"github.com/flowmesh/flowmesh-go/value"
)

// MaxTimestampSkew bounds the accepted difference between the caller's
// asserted timestamp and local time.
const MaxTimestampSkew = 5 * time.Minute

// SignatureLayer verifies the caller-supplied signature over the
// canonical request (method, path, identity, timestamp) and rejects
// stale timestamps.
//
// Verdicts:
//   - absent signature or timestamp → SIGNATURE_INVALID
//   - stale timestamp, malformed signature or failed verification →
//     AUTH_FAIL
type SignatureLayer struct {
	// Verifier checks request signatures. The engine ships HMAC over a
	// shared key; key distribution is a deployment concern.
	Verifier sign.Signer

	// Now is swapped in tests. Defaults to time.Now.
	Now func() time.Time
}

// ID implements Layer.
func (*SignatureLayer) ID() string { return "signature" }

// Validate implements Layer.
func (l *SignatureLayer) Validate(_ context.Context, req *Request) Result {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}

	if len(req.Signature) == 0 {
		return Failed(CodeSignatureInvalid, "missing request signature")
	}
	if req.Timestamp.IsZero() {
		return Failed(CodeSignatureInvalid, "missing request timestamp")
	}

	skew := now().Sub(req.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimestampSkew {
		return Failed(CodeAuthFail, fmt.Sprintf("request timestamp outside %v skew window", MaxTimestampSkew))
	}

	if l.Verifier == nil {
		return Failed(CodeInternal, "no signature verifier configured")
	}
	if !l.Verifier.Verify(req.CanonicalBytes(), req.Signature) {
		return Failed(CodeAuthFail, "request signature verification failed")
	}
	return Pass()
}

// ConsentDecision is the outcome of a consent token check.
type ConsentDecision struct {
	Granted bool
	Reason  string
}

// ConsentChecker resolves whether a consent token grants a permission on
// a resource. Implementations typically call the tenant's consent
// service; errors fail the layer closed.
type ConsentChecker interface {
	Check(ctx context.Context, token, identity, resource, permission string) (ConsentDecision, error)
}

// ConsentLayer enforces consent/authorization. Default-deny: an absent
// token never passes.
type ConsentLayer struct {
	Checker ConsentChecker
}

// ID implements Layer.
func (*ConsentLayer) ID() string { return "consent" }

// Validate implements Layer.
func (l *ConsentLayer) Validate(ctx context.Context, req *Request) Result {
	if req.ConsentToken == "" {
		return Failed(CodeConsentDenied, "no consent token presented")
	}
	if l.Checker == nil {
		return Failed(CodeInternal, "no consent checker configured")
	}

	decision, err := l.Checker.Check(ctx, req.ConsentToken, req.Identity, req.Resource, req.Permission)
	if err != nil {
		// Fail closed: an unreachable consent service blocks the request.
		return Failed(CodeInternal, "consent check failed: "+err.Error())
	}
	if !decision.Granted {
		msg := decision.Reason
		if msg == "" {
			msg = fmt.Sprintf("permission %q denied on %q", req.Permission, req.Resource)
		}
		return Failed(CodeConsentDenied, msg)
	}
	return Pass()
}

// Indexer receives validated metadata for search indexing. Indexing
// failures are non-fatal; the layer reports a warning and passes.
type Indexer interface {
	Index(ctx context.Context, identity string, payload value.Value) error
}

// MetadataLayer validates the request payload against the schema named
// by the request and forwards metadata to the indexer.
type MetadataLayer struct {
	// Schemas maps schema names to their definitions.
	Schemas map[string]*event.Schema

	// Indexer is optional; nil disables indexing.
	Indexer Indexer
}

// ID implements Layer.
func (*MetadataLayer) ID() string { return "metadata" }

// Validate implements Layer.
func (l *MetadataLayer) Validate(ctx context.Context, req *Request) Result {
	if req.Schema != "" {
		schema, ok := l.Schemas[req.Schema]
		if !ok {
			return Failed(CodeSchemaInvalid, fmt.Sprintf("unknown payload schema %q", req.Schema))
		}
		if err := schema.Validate(req.Payload); err != nil {
			return Failed(CodeSchemaInvalid, err.Error())
		}
	}

	if l.Indexer != nil {
		if err := l.Indexer.Index(ctx, req.Identity, req.Payload); err != nil {
			res := Pass()
			res.Status = StatusWarning
			res.Message = "metadata indexing failed: " + err.Error()
			return res
		}
	}
	return Pass()
}
