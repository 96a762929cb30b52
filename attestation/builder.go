package attestation

import (
	"fmt"
	"log/slog"

	"github.com/ruteri/attestation-service/config"
	"github.com/ruteri/attestation-service/interfaces"
	"github.com/ruteri/attestation-service/policy"
	"github.com/ruteri/attestation-service/rvps"
	"github.com/ruteri/attestation-service/storage"
	"github.com/ruteri/attestation-service/token"
	"github.com/ruteri/attestation-service/verifier"
)

// New resolves every pluggable component named by cfg and composes a Service.
func New(cfg *config.Config, log *slog.Logger) (*Service, *token.SimpleBroker, error) {
	verifiers := verifier.DefaultRegistry(cfg.Verifiers.Options(), log.With("component", "verifier"))

	store, err := storage.NewStoreFactory(log).CreateMultiStore(cfg.RVPS.StoreURIs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create reference value store: %w", err)
	}

	provider, err := rvps.NewService(store, rvps.Options{
		AllowSample: cfg.RVPS.AllowSample,
		TrustedKeys: cfg.RVPS.TrustedKeys,
	}, log.With("component", "rvps"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create reference value provider: %w", err)
	}

	compiler, err := newCompiler(cfg.PolicyEngine)
	if err != nil {
		return nil, nil, err
	}
	engine, err := policy.NewEngine(compiler, cfg.WorkDir, log.With("component", "policy"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create policy engine: %w", err)
	}

	broker, err := token.NewSimpleBroker(cfg.Token, log.With("component", "token"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create token broker: %w", err)
	}

	log.Info("Attestation service configured",
		"tees", verifiers.Tees(),
		"rvps_store", store.Name(),
		"policy_engine", compiler.Type())

	return NewService(verifiers, provider, engine, broker, log), broker, nil
}

func newCompiler(engine string) (policy.Compiler, error) {
	switch engine {
	case interfaces.PolicyTypeCEL:
		return policy.NewCELCompiler()
	case interfaces.PolicyTypeCedar:
		return policy.NewCedarCompiler(), nil
	default:
		return nil, fmt.Errorf("unsupported policy engine %q", engine)
	}
}
