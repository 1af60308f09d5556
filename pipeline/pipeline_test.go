package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmesh/flowmesh-go/cache"
	"github.com/flowmesh/flowmesh-go/event"
	"github.com/flowmesh/flowmesh-go/sign"
	"github.com/flowmesh/flowmesh-go/value"
)

func testSigner(t *testing.T) sign.Signer {
	t.Helper()
	s, err := sign.NewHMACSigner("req-key", []byte("request-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func signedRequest(t *testing.T, signer sign.Signer) *Request {
	t.Helper()
	req := &Request{
		Method:       "POST",
		Path:         "/flows/flow-1/trigger",
		Identity:     "did:web:alice",
		Tenant:       "tenant-1",
		Timestamp:    time.Now().UTC(),
		ConsentToken: "token-ok",
		Resource:     "flow-1",
		Permission:   "flows.execute",
		Payload:      value.MustFrom(map[string]any{"input": "hello"}),
	}
	sig, err := signer.Sign(req.CanonicalBytes())
	if err != nil {
		t.Fatal(err)
	}
	req.Signature = sig
	return req
}

type allowAllConsent struct{}

func (allowAllConsent) Check(context.Context, string, string, string, string) (ConsentDecision, error) {
	return ConsentDecision{Granted: true}, nil
}

type denyConsent struct{ reason string }

func (d denyConsent) Check(context.Context, string, string, string, string) (ConsentDecision, error) {
	return ConsentDecision{Granted: false, Reason: d.reason}, nil
}

type errConsent struct{}

func (errConsent) Check(context.Context, string, string, string, string) (ConsentDecision, error) {
	return ConsentDecision{}, errors.New("consent service unreachable")
}

func TestSignatureLayer(t *testing.T) {
	signer := testSigner(t)
	layer := &SignatureLayer{Verifier: signer}

	t.Run("valid signature passes", func(t *testing.T) {
		req := signedRequest(t, signer)
		if res := layer.Validate(context.Background(), req); !res.Passed() {
			t.Errorf("valid request rejected: %+v", res)
		}
	})

	t.Run("missing signature", func(t *testing.T) {
		req := signedRequest(t, signer)
		req.Signature = nil
		res := layer.Validate(context.Background(), req)
		if res.Passed() || res.Code != CodeSignatureInvalid {
			t.Errorf("got %+v, want SIGNATURE_INVALID", res)
		}
	})

	t.Run("wrong key fails auth", func(t *testing.T) {
		other, _ := sign.NewHMACSigner("other", []byte("other-secret"))
		req := signedRequest(t, other)
		res := layer.Validate(context.Background(), req)
		if res.Passed() || res.Code != CodeAuthFail {
			t.Errorf("got %+v, want AUTH_FAIL", res)
		}
	})

	t.Run("tampered request fails auth", func(t *testing.T) {
		req := signedRequest(t, signer)
		req.Path = "/flows/other/trigger"
		res := layer.Validate(context.Background(), req)
		if res.Passed() || res.Code != CodeAuthFail {
			t.Errorf("got %+v, want AUTH_FAIL", res)
		}
	})

	t.Run("stale timestamp", func(t *testing.T) {
		req := signedRequest(t, signer)
		req.Timestamp = time.Now().Add(-10 * time.Minute)
		sig, _ := signer.Sign(req.CanonicalBytes())
		req.Signature = sig
		res := layer.Validate(context.Background(), req)
		if res.Passed() || res.Code != CodeAuthFail {
			t.Errorf("got %+v, want AUTH_FAIL for stale timestamp", res)
		}
	})
}

func TestConsentLayer(t *testing.T) {
	t.Run("default deny without token", func(t *testing.T) {
		layer := &ConsentLayer{Checker: allowAllConsent{}}
		req := &Request{}
		res := layer.Validate(context.Background(), req)
		if res.Passed() || res.Code != CodeConsentDenied {
			t.Errorf("got %+v, want CONSENT_DENIED", res)
		}
	})

	t.Run("denied by checker", func(t *testing.T) {
		layer := &ConsentLayer{Checker: denyConsent{reason: "revoked"}}
		req := &Request{ConsentToken: "t"}
		res := layer.Validate(context.Background(), req)
		if res.Passed() || res.Code != CodeConsentDenied || res.Message != "revoked" {
			t.Errorf("got %+v", res)
		}
	})

	t.Run("checker error fails closed", func(t *testing.T) {
		layer := &ConsentLayer{Checker: errConsent{}}
		req := &Request{ConsentToken: "t"}
		res := layer.Validate(context.Background(), req)
		if res.Passed() || res.Code != CodeInternal {
			t.Errorf("got %+v, want INTERNAL (fail closed)", res)
		}
	})
}

type failingIndexer struct{}

func (failingIndexer) Index(context.Context, string, value.Value) error {
	return errors.New("index unavailable")
}

func TestMetadataLayer(t *testing.T) {
	schemas := map[string]*event.Schema{
		"trigger": {
			Fields:   map[string]event.Field{"input": {Kinds: []value.Kind{value.KindString}}},
			Required: []string{"input"},
			Open:     true,
		},
	}

	t.Run("valid payload passes", func(t *testing.T) {
		layer := &MetadataLayer{Schemas: schemas}
		req := &Request{Schema: "trigger", Payload: value.MustFrom(map[string]any{"input": "x"})}
		if res := layer.Validate(context.Background(), req); !res.Passed() {
			t.Errorf("got %+v", res)
		}
	})

	t.Run("schema violation fails", func(t *testing.T) {
		layer := &MetadataLayer{Schemas: schemas}
		req := &Request{Schema: "trigger", Payload: value.Map(nil)}
		res := layer.Validate(context.Background(), req)
		if res.Passed() || res.Code != CodeSchemaInvalid {
			t.Errorf("got %+v, want SCHEMA_INVALID", res)
		}
	})

	t.Run("unknown schema fails", func(t *testing.T) {
		layer := &MetadataLayer{Schemas: schemas}
		req := &Request{Schema: "ghost"}
		res := layer.Validate(context.Background(), req)
		if res.Passed() || res.Code != CodeSchemaInvalid {
			t.Errorf("got %+v", res)
		}
	})

	t.Run("index failure is a warning", func(t *testing.T) {
		layer := &MetadataLayer{Schemas: schemas, Indexer: failingIndexer{}}
		req := &Request{Schema: "trigger", Payload: value.MustFrom(map[string]any{"input": "x"})}
		res := layer.Validate(context.Background(), req)
		if !res.Passed() || res.Status != StatusWarning {
			t.Errorf("index failure must warn, not fail: %+v", res)
		}
	})
}

func TestSecurityLayer(t *testing.T) {
	t.Run("benign payload passes", func(t *testing.T) {
		layer := &SecurityLayer{}
		req := &Request{Payload: value.MustFrom(map[string]any{"msg": "hello world"})}
		if res := layer.Validate(context.Background(), req); !res.Passed() {
			t.Errorf("got %+v", res)
		}
	})

	t.Run("script injection blocks", func(t *testing.T) {
		layer := &SecurityLayer{}
		req := &Request{Payload: value.MustFrom(map[string]any{"msg": `<script>steal()</script>`})}
		res := layer.Validate(context.Background(), req)
		if res.Passed() || res.Code != CodeAbuseDetected {
			t.Errorf("got %+v, want ABUSE_DETECTED", res)
		}
	})

	t.Run("path traversal in path blocks", func(t *testing.T) {
		layer := &SecurityLayer{}
		req := &Request{Path: "/files/../../etc/passwd"}
		res := layer.Validate(context.Background(), req)
		if res.Passed() {
			t.Errorf("got %+v", res)
		}
	})

	t.Run("oversized payload blocks", func(t *testing.T) {
		layer := &SecurityLayer{MaxPayloadBytes: 16}
		req := &Request{Payload: value.String("this payload is definitely longer than sixteen bytes")}
		res := layer.Validate(context.Background(), req)
		if res.Passed() {
			t.Errorf("got %+v", res)
		}
	})

	t.Run("critical-only blocking lets high pass", func(t *testing.T) {
		layer := &SecurityLayer{BlockAt: RiskCritical}
		req := &Request{Path: "/files/../../etc/passwd"}
		res := layer.Validate(context.Background(), req)
		if !res.Passed() {
			t.Errorf("high risk must pass when BlockAt is critical: %+v", res)
		}
	})
}

func newTestPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	if opts.Cache == nil {
		signer := testSigner(t)
		c, err := cache.New(cache.Options{Signer: signer, CleanupInterval: -1})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(c.Close)
		opts.Cache = c
	}
	opts.Logger = zerolog.Nop()
	return New(opts)
}

func TestPipeline_AllLayersPass(t *testing.T) {
	signer := testSigner(t)
	p := newTestPipeline(t, Options{
		Layers: []Layer{
			&SignatureLayer{Verifier: signer},
			&ConsentLayer{Checker: allowAllConsent{}},
			&MetadataLayer{},
			&SecurityLayer{},
		},
		PolicyVersion: "pv-1",
	})

	v := p.Run(context.Background(), signedRequest(t, signer))
	if !v.Passed {
		t.Fatalf("verdict failed: %+v", v)
	}
	if len(v.Results) != 4 {
		t.Errorf("layers consulted = %d, want 4", len(v.Results))
	}
}

func TestPipeline_ShortCircuitPropagatesFirstFailure(t *testing.T) {
	signer := testSigner(t)
	security := &SecurityLayer{}
	p := newTestPipeline(t, Options{
		Layers: []Layer{
			&SignatureLayer{Verifier: signer},
			&ConsentLayer{Checker: denyConsent{reason: "nope"}},
			security,
		},
		PolicyVersion: "pv-1",
	})

	v := p.Run(context.Background(), signedRequest(t, signer))
	if v.Passed {
		t.Fatal("verdict must fail")
	}
	if v.Code != CodeConsentDenied || v.FailedLayer != "consent" {
		t.Errorf("verdict = %+v, want CONSENT_DENIED at consent", v)
	}
	if len(v.Results) != 2 {
		t.Errorf("layers consulted = %d, want 2 (security must not run)", len(v.Results))
	}
}

func TestPipeline_CachedVerdictSkipsLayers(t *testing.T) {
	signer := testSigner(t)
	calls := 0
	counting := layerFunc{"counting", func(context.Context, *Request) Result {
		calls++
		return Pass()
	}}

	p := newTestPipeline(t, Options{
		Layers:        []Layer{counting},
		PolicyVersion: "pv-1",
	})

	req := signedRequest(t, signer)
	p.Run(context.Background(), req)
	v := p.Run(context.Background(), req)

	if calls != 1 {
		t.Errorf("layer calls = %d, want 1 (second run served from cache)", calls)
	}
	if !v.Passed {
		t.Errorf("cached verdict must match: %+v", v)
	}
}

type layerFunc struct {
	id string
	fn func(context.Context, *Request) Result
}

func (l layerFunc) ID() string                                        { return l.id }
func (l layerFunc) Validate(ctx context.Context, req *Request) Result { return l.fn(ctx, req) }

func TestPipeline_RetryInternalFailuresOnly(t *testing.T) {
	attempts := 0
	flaky := layerFunc{"flaky", func(context.Context, *Request) Result {
		attempts++
		if attempts < 3 {
			return Failed(CodeInternal, "transient backend error")
		}
		return Pass()
	}}

	rejections := 0
	denying := layerFunc{"denying", func(context.Context, *Request) Result {
		rejections++
		return Failed(CodeConsentDenied, "no")
	}}

	t.Run("internal failures retried", func(t *testing.T) {
		p := newTestPipeline(t, Options{
			Layers:            []Layer{flaky},
			RetryFailedLayers: true,
			RetryAttempts:     3,
			PolicyVersion:     "pv-r",
		})
		v := p.Run(context.Background(), &Request{Identity: "a"})
		if !v.Passed {
			t.Errorf("flaky layer should pass after retries: %+v", v)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})

	t.Run("rejections are not retried", func(t *testing.T) {
		p := newTestPipeline(t, Options{
			Layers:            []Layer{denying},
			RetryFailedLayers: true,
			RetryAttempts:     3,
			PolicyVersion:     "pv-r2",
		})
		v := p.Run(context.Background(), &Request{Identity: "a"})
		if v.Passed || rejections != 1 {
			t.Errorf("rejection must be authoritative: passed=%v calls=%d", v.Passed, rejections)
		}
	})
}

func TestPipeline_PanickingLayerFailsClosed(t *testing.T) {
	p := newTestPipeline(t, Options{
		Layers:        []Layer{layerFunc{"bomb", func(context.Context, *Request) Result { panic("kaboom") }}},
		PolicyVersion: "pv-p",
	})
	v := p.Run(context.Background(), &Request{Identity: "a"})
	if v.Passed || v.Code != CodeInternal {
		t.Errorf("panicking layer must fail closed: %+v", v)
	}
}

func TestPipeline_EmitsEvents(t *testing.T) {
	sink := event.NewBufferedSink(32)
	bus := event.NewBus(event.Options{Strict: true, Logger: zerolog.Nop(), Sinks: []event.Sink{sink}})
	if err := event.RegisterCoreSchemas(bus); err != nil {
		t.Fatal(err)
	}

	signer := testSigner(t)
	p := newTestPipeline(t, Options{
		Layers:        []Layer{&SignatureLayer{Verifier: signer}},
		PolicyVersion: "pv-e",
		Bus:           bus,
	})
	p.Run(context.Background(), signedRequest(t, signer))

	if n := len(sink.ByType(event.TypeValidationLayerCompleted)); n != 1 {
		t.Errorf("validation.layer.completed events = %d, want 1", n)
	}
	if n := len(sink.ByType(event.TypeValidationPipelinePassed)); n != 1 {
		t.Errorf("validation.pipeline.passed events = %d, want 1", n)
	}
}
