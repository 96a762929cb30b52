package attestation

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ruteri/attestation-service/cryptoutils"
	"github.com/ruteri/attestation-service/interfaces"
	"github.com/ruteri/attestation-service/policy"
	"github.com/ruteri/attestation-service/rvps"
	"github.com/ruteri/attestation-service/storage"
	"github.com/ruteri/attestation-service/token"
	"github.com/ruteri/attestation-service/verifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	teeT1 = interfaces.Tee("T1")

	// passes only when the measurement matches a reference value
	matchPolicy = `reference["T1.measurement"].exists(d, d == input["T1.measurement"])`
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubVerifier returns fixed claims and records the digests it was called with
type stubVerifier struct {
	claims interfaces.RawClaims
	err    error

	mu         sync.Mutex
	reportData *interfaces.Digest
	initData   *interfaces.Digest
	calls      int
}

func (v *stubVerifier) Evaluate(ctx context.Context, evidence []byte, reportData *interfaces.Digest, initDataHash *interfaces.Digest) (interfaces.RawClaims, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	v.reportData = reportData
	v.initData = initDataHash
	return v.claims, v.err
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Lookup(ctx context.Context, key string) ([]string, error) {
	args := m.Called(ctx, key)
	digests, _ := args.Get(0).([]string)
	return digests, args.Error(1)
}

func (m *mockProvider) Ingest(ctx context.Context, message string) error {
	return m.Called(ctx, message).Error(0)
}

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Evaluate(ctx context.Context, references interfaces.ReferenceValueMap, claims interfaces.NormalizedClaims, policyIDs []string) (map[string]interfaces.EvaluationOutcome, error) {
	args := m.Called(ctx, references, claims, policyIDs)
	outcomes, _ := args.Get(0).(map[string]interfaces.EvaluationOutcome)
	return outcomes, args.Error(1)
}

func (m *mockEngine) SetPolicy(ctx context.Context, input interfaces.SetPolicyInput) error {
	return m.Called(ctx, input).Error(0)
}

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) Issue(ctx context.Context, payload interfaces.DecisionPayload) (string, error) {
	args := m.Called(ctx, payload)
	return args.String(0), args.Error(1)
}

type testEnv struct {
	service  *Service
	verifier *stubVerifier
	rvps     *rvps.Service
	engine   *policy.Engine
	broker   *token.SimpleBroker
}

func newTestEnv(t *testing.T, raw interfaces.RawClaims) *testEnv {
	t.Helper()
	log := testLogger()

	stub := &stubVerifier{claims: raw}
	registry := verifier.NewRegistry(map[interfaces.Tee]interfaces.Verifier{teeT1: stub})

	provider, err := rvps.NewService(storage.NewMemoryStore(), rvps.Options{AllowSample: true}, log)
	require.NoError(t, err)

	compiler, err := policy.NewCELCompiler()
	require.NoError(t, err)
	engine, err := policy.NewEngine(compiler, "", log)
	require.NoError(t, err)

	broker, err := token.NewSimpleBroker(token.Config{Issuer: "test"}, log)
	require.NoError(t, err)

	return &testEnv{
		service:  NewService(registry, provider, engine, broker, log),
		verifier: stub,
		rvps:     provider,
		engine:   engine,
		broker:   broker,
	}
}

func setCELPolicy(t *testing.T, s *Service, id, source string) {
	t.Helper()
	require.NoError(t, s.SetPolicy(context.Background(), interfaces.SetPolicyInput{
		Type:     interfaces.PolicyTypeCEL,
		PolicyID: id,
		Policy:   base64.StdEncoding.EncodeToString([]byte(source)),
	}))
}

func registerSample(t *testing.T, s *Service, digests map[string][]string) {
	t.Helper()
	msg, err := rvps.NewSampleMessage(digests)
	require.NoError(t, err)
	require.NoError(t, s.RegisterReferenceValue(context.Background(), msg))
}

func parsePayload(env *testEnv, signed string) (*token.Claims, error) {
	claims := &token.Claims{}
	_, err := jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) {
		return env.broker.PublicKey(), nil
	})
	return claims, err
}

func decodeToken(t *testing.T, env *testEnv, signed string) *token.Claims {
	t.Helper()
	claims, err := parsePayload(env, signed)
	require.NoError(t, err)
	return claims
}

func TestEvaluate_EndToEnd(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, interfaces.RawClaims{"measurement": "abc123"})
	setCELPolicy(t, env.service, "p1", matchPolicy)
	registerSample(t, env.service, map[string][]string{"T1.measurement": {"abc123"}})

	signed, err := env.service.Evaluate(ctx, []byte("evidence"), teeT1, [][]byte{[]byte("nonce1")}, [][]byte{}, []string{"p1"})
	require.NoError(t, err)

	// Bindings reach the verifier as digests, an empty list as absence
	require.NotNil(t, env.verifier.reportData)
	assert.Equal(t, *cryptoutils.AccumulateHash([][]byte{[]byte("nonce1")}), *env.verifier.reportData)
	assert.Nil(t, env.verifier.initData)

	payload := decodeToken(t, env, signed)
	assert.Equal(t, []string{"p1"}, payload.PolicyIDs)
	assert.Equal(t, interfaces.NormalizedClaims{"T1.measurement": "abc123"}, payload.TCBStatus)
	require.Len(t, payload.EvaluationReports, 1)
	assert.Equal(t, "p1", payload.EvaluationReports[0].PolicyID)
	assert.True(t, payload.EvaluationReports[0].Passed)
}

func TestEvaluate_AbsentReferenceIsNotAnError(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, interfaces.RawClaims{"measurement": "abc123"})
	setCELPolicy(t, env.service, "p1", matchPolicy)

	digests, err := env.rvps.Lookup(ctx, "T1.measurement")
	require.NoError(t, err)
	assert.Empty(t, digests)

	signed, err := env.service.Evaluate(ctx, []byte("evidence"), teeT1, [][]byte{[]byte("nonce1")}, nil, []string{"p1"})
	require.NoError(t, err)

	payload := decodeToken(t, env, signed)
	require.Len(t, payload.EvaluationReports, 1)
	assert.Equal(t, "p1", payload.EvaluationReports[0].PolicyID)
	assert.False(t, payload.EvaluationReports[0].Passed)
}

func TestEvaluate_UnsupportedTeeTouchesNothing(t *testing.T) {
	provider := new(mockProvider)
	engine := new(mockEngine)
	broker := new(mockBroker)
	stub := &stubVerifier{claims: interfaces.RawClaims{"measurement": "abc123"}}

	service := NewService(
		verifier.NewRegistry(map[interfaces.Tee]interfaces.Verifier{teeT1: stub}),
		provider, engine, broker, testLogger(),
	)

	_, err := service.Evaluate(context.Background(), []byte("evidence"), interfaces.Tee("T9"), nil, nil, []string{"p1"})
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedTee)

	var stageErr *interfaces.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, interfaces.StageSelect, stageErr.Stage)
	assert.Equal(t, interfaces.Tee("T9"), stageErr.Tee)

	assert.Equal(t, 0, stub.calls)
	provider.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
	engine.AssertNotCalled(t, "Evaluate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	broker.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
}

func TestEvaluate_PolicyBatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	log := testLogger()

	stub := &stubVerifier{claims: interfaces.RawClaims{"measurement": "abc123"}}
	provider, err := rvps.NewService(storage.NewMemoryStore(), rvps.Options{AllowSample: true}, log)
	require.NoError(t, err)
	compiler, err := policy.NewCELCompiler()
	require.NoError(t, err)
	engine, err := policy.NewEngine(compiler, "", log)
	require.NoError(t, err)
	broker := new(mockBroker)

	service := NewService(verifier.NewRegistry(map[interfaces.Tee]interfaces.Verifier{teeT1: stub}), provider, engine, broker, log)
	setCELPolicy(t, service, "p1", `true`)
	setCELPolicy(t, service, "broken", `input["T1.nonexistent"] == "x"`)

	for _, ids := range [][]string{{"p1", "broken"}, {"p1", "missing"}} {
		signed, err := service.Evaluate(ctx, []byte("evidence"), teeT1, nil, nil, ids)
		assert.ErrorIs(t, err, interfaces.ErrPolicyEvaluationFailed)
		assert.Empty(t, signed)

		var stageErr *interfaces.StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, interfaces.StagePolicy, stageErr.Stage)
		assert.Equal(t, ids[1], stageErr.PolicyID)
	}

	broker.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
}

func TestEvaluate_LooksUpEveryClaimKey(t *testing.T) {
	provider := new(mockProvider)
	engine := new(mockEngine)
	broker := new(mockBroker)
	stub := &stubVerifier{claims: interfaces.RawClaims{
		"measurement": "abc123",
		"rtmrs":       []any{"r0", "r1"},
		"tcb":         map[string]any{"svn": float64(2)},
	}}

	var mu sync.Mutex
	var looked []string
	provider.On("Lookup", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		defer mu.Unlock()
		looked = append(looked, args.String(1))
	}).Return(nil, nil)

	wantRefs := interfaces.ReferenceValueMap{
		"T1.measurement": {},
		"T1.rtmrs.0":     {},
		"T1.rtmrs.1":     {},
		"T1.tcb.svn":     {},
	}
	engine.On("Evaluate", mock.Anything, wantRefs, mock.Anything, []string{"p1"}).
		Return(map[string]interfaces.EvaluationOutcome{"p1": {Passed: true}}, nil)
	broker.On("Issue", mock.Anything, mock.Anything).Return("token", nil)

	service := NewService(verifier.NewRegistry(map[interfaces.Tee]interfaces.Verifier{teeT1: stub}), provider, engine, broker, testLogger())

	signed, err := service.Evaluate(context.Background(), []byte("evidence"), teeT1, nil, nil, []string{"p1"})
	require.NoError(t, err)
	assert.Equal(t, "token", signed)

	sort.Strings(looked)
	assert.Equal(t, []string{"T1.measurement", "T1.rtmrs.0", "T1.rtmrs.1", "T1.tcb.svn"}, looked)
	engine.AssertExpectations(t)
	broker.AssertExpectations(t)
}

func TestEvaluate_StageFailures(t *testing.T) {
	backendErr := errors.New("connection refused")

	testCases := []struct {
		name      string
		verifier  *stubVerifier
		setup     func(p *mockProvider, e *mockEngine, b *mockBroker)
		wantStage interfaces.Stage
		wantErr   error
		wantKey   string
	}{
		{
			name:      "verification failed",
			verifier:  &stubVerifier{err: interfaces.ErrVerificationFailed},
			setup:     func(p *mockProvider, e *mockEngine, b *mockBroker) {},
			wantStage: interfaces.StageVerify,
			wantErr:   interfaces.ErrVerificationFailed,
		},
		{
			name:      "malformed claims",
			verifier:  &stubVerifier{claims: interfaces.RawClaims{"measurement": struct{}{}}},
			setup:     func(p *mockProvider, e *mockEngine, b *mockBroker) {},
			wantStage: interfaces.StageNormalize,
			wantErr:   interfaces.ErrMalformedClaims,
		},
		{
			name:     "reference store unavailable",
			verifier: &stubVerifier{claims: interfaces.RawClaims{"measurement": "abc123"}},
			setup: func(p *mockProvider, e *mockEngine, b *mockBroker) {
				p.On("Lookup", mock.Anything, "T1.measurement").Return(nil, errors.Join(interfaces.ErrReferenceStoreUnavailable, backendErr))
			},
			wantStage: interfaces.StageReference,
			wantErr:   interfaces.ErrReferenceStoreUnavailable,
			wantKey:   "T1.measurement",
		},
		{
			name:     "token issuance failed",
			verifier: &stubVerifier{claims: interfaces.RawClaims{"measurement": "abc123"}},
			setup: func(p *mockProvider, e *mockEngine, b *mockBroker) {
				p.On("Lookup", mock.Anything, mock.Anything).Return([]string{"abc123"}, nil)
				e.On("Evaluate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
					Return(map[string]interfaces.EvaluationOutcome{"p1": {Passed: true}}, nil)
				b.On("Issue", mock.Anything, mock.Anything).Return("", interfaces.ErrTokenIssuanceFailed)
			},
			wantStage: interfaces.StageIssue,
			wantErr:   interfaces.ErrTokenIssuanceFailed,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			provider := new(mockProvider)
			engine := new(mockEngine)
			broker := new(mockBroker)
			tc.setup(provider, engine, broker)

			service := NewService(verifier.NewRegistry(map[interfaces.Tee]interfaces.Verifier{teeT1: tc.verifier}), provider, engine, broker, testLogger())

			signed, err := service.Evaluate(context.Background(), []byte("evidence"), teeT1, nil, nil, []string{"p1"})
			assert.Empty(t, signed)
			assert.ErrorIs(t, err, tc.wantErr)

			var stageErr *interfaces.StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, tc.wantStage, stageErr.Stage)
			assert.Equal(t, teeT1, stageErr.Tee)
			assert.Equal(t, tc.wantKey, stageErr.Key)

			provider.AssertExpectations(t)
			engine.AssertExpectations(t)
			broker.AssertExpectations(t)
		})
	}
}

func TestEvaluate_Cancelled(t *testing.T) {
	env := newTestEnv(t, interfaces.RawClaims{"measurement": "abc123"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.service.Evaluate(ctx, []byte("evidence"), teeT1, nil, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)

	var stageErr *interfaces.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, interfaces.StageVerify, stageErr.Stage)
	assert.Equal(t, 0, env.verifier.calls)
}

func TestEvaluate_ConcurrentSetPolicy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, interfaces.RawClaims{"measurement": "abc123"})

	v1 := `{"allow": true, "version": "v1"}`
	v2 := `{"allow": false, "version": "v2"}`
	setCELPolicy(t, env.service, "p", v1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			src := v2
			if i%2 == 1 {
				src = v1
			}
			assert.NoError(t, env.service.SetPolicy(ctx, interfaces.SetPolicyInput{
				Type:     interfaces.PolicyTypeCEL,
				PolicyID: "p",
				Policy:   base64.StdEncoding.EncodeToString([]byte(src)),
			}))
		}
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				signed, err := env.service.Evaluate(ctx, []byte("evidence"), teeT1, nil, nil, []string{"p"})
				if !assert.NoError(t, err) {
					return
				}
				payload, err := parsePayload(env, signed)
				if !assert.NoError(t, err) || !assert.Len(t, payload.EvaluationReports, 1) {
					return
				}
				report := payload.EvaluationReports[0]
				version := report.EvaluationReport.(map[string]any)["version"]
				switch version {
				case "v1":
					assert.True(t, report.Passed)
				case "v2":
					assert.False(t, report.Passed)
				default:
					t.Errorf("torn policy read: %v", version)
				}
			}
		}()
	}

	wg.Wait()
}

func TestEvaluate_ConcurrentRegisterReferenceValue(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, interfaces.RawClaims{"a": "x", "b": "x", "c": "x"})

	// Echo the first reference digest of every key
	setCELPolicy(t, env.service, "echo", `{
		"allow": true,
		"a": reference["T1.a"].size() > 0 ? reference["T1.a"][0] : "none",
		"b": reference["T1.b"].size() > 0 ? reference["T1.b"][0] : "none",
		"c": reference["T1.c"].size() > 0 ? reference["T1.c"][0] : "none"
	}`)

	versions := map[string]map[string][]string{
		"v1": {"T1.a": {"v1"}, "T1.b": {"v1"}, "T1.c": {"v1"}},
		"v2": {"T1.a": {"v2"}, "T1.b": {"v2"}, "T1.c": {"v2"}},
	}
	messages := map[string]string{}
	for name, digests := range versions {
		msg, err := rvps.NewSampleMessage(digests)
		require.NoError(t, err)
		messages[name] = msg
	}
	require.NoError(t, env.service.RegisterReferenceValue(ctx, messages["v1"]))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			msg := messages["v2"]
			if i%2 == 1 {
				msg = messages["v1"]
			}
			assert.NoError(t, env.service.RegisterReferenceValue(ctx, msg))
		}
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				signed, err := env.service.Evaluate(ctx, []byte("evidence"), teeT1, nil, nil, []string{"echo"})
				if !assert.NoError(t, err) {
					return
				}
				payload, err := parsePayload(env, signed)
				if !assert.NoError(t, err) || !assert.Len(t, payload.EvaluationReports, 1) {
					return
				}
				report := payload.EvaluationReports[0].EvaluationReport.(map[string]any)
				a, b, c := report["a"], report["b"], report["c"]
				if a != b || b != c || (a != "v1" && a != "v2") {
					t.Errorf("torn reference read: a=%v b=%v c=%v", a, b, c)
				}
			}
		}()
	}

	wg.Wait()
}

// setOnlyEngine supports evaluation and SetPolicy but no listing or removal
type setOnlyEngine struct{}

func (setOnlyEngine) Evaluate(ctx context.Context, references interfaces.ReferenceValueMap, claims interfaces.NormalizedClaims, policyIDs []string) (map[string]interfaces.EvaluationOutcome, error) {
	return map[string]interfaces.EvaluationOutcome{}, nil
}

func (setOnlyEngine) SetPolicy(ctx context.Context, input interfaces.SetPolicyInput) error {
	return nil
}

func TestPolicyLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, interfaces.RawClaims{"measurement": "abc123"})

	setCELPolicy(t, env.service, "p1", matchPolicy)
	digests, err := env.service.ListPolicies(ctx)
	require.NoError(t, err)
	require.Len(t, digests, 2)
	assert.Equal(t, "p1", digests[1].ID)

	require.NoError(t, env.service.RemovePolicy(ctx, "p1"))
	require.NoError(t, env.service.RemovePolicy(ctx, "p1"))

	err = env.service.SetPolicy(ctx, interfaces.SetPolicyInput{Type: interfaces.PolicyTypeCEL, PolicyID: "bad", Policy: base64.StdEncoding.EncodeToString([]byte("input["))})
	assert.ErrorIs(t, err, interfaces.ErrInvalidPolicy)

	limited := NewService(verifier.NewRegistry(nil), new(mockProvider), setOnlyEngine{}, new(mockBroker), testLogger())
	assert.ErrorIs(t, limited.RemovePolicy(ctx, "p1"), interfaces.ErrNotSupported)
	_, err = limited.ListPolicies(ctx)
	assert.ErrorIs(t, err, interfaces.ErrNotSupported)
}

func TestRegisterReferenceValue_Errors(t *testing.T) {
	env := newTestEnv(t, interfaces.RawClaims{"measurement": "abc123"})

	err := env.service.RegisterReferenceValue(context.Background(), `{"version":"0.1.0","type":"unknown","payload":""}`)
	assert.ErrorIs(t, err, interfaces.ErrInvalidProvenance)

	provider := new(mockProvider)
	provider.On("Ingest", mock.Anything, "msg").Return(interfaces.ErrReferenceStoreUnavailable)
	service := NewService(verifier.NewRegistry(nil), provider, setOnlyEngine{}, new(mockBroker), testLogger())
	assert.ErrorIs(t, service.RegisterReferenceValue(context.Background(), "msg"), interfaces.ErrReferenceStoreUnavailable)
}
