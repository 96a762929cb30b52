package policy

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/ruteri/attestation-service/interfaces"
)

// celDefaultPolicy passes when every claim that has reference values matches one of them.
const celDefaultPolicy = `input.all(k, !(k in reference) || size(reference[k]) == 0 || input[k] in reference[k])`

// celCostLimit bounds the work of a single evaluation.
const celCostLimit = 100000

// CELCompiler compiles CEL expressions over two variables: input, the
// normalized claims (map(string, string)), and reference, the acceptable
// digests per claim key (map(string, list(string))).
//
// An expression yielding bool decides the outcome directly. An expression
// yielding a map must carry an "allow" boolean; the whole map becomes the
// evaluation report.
type CELCompiler struct {
	env *cel.Env
}

func NewCELCompiler() (*CELCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("reference", cel.MapType(cel.StringType, cel.ListType(cel.StringType))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELCompiler{env: env}, nil
}

func (c *CELCompiler) Type() string {
	return interfaces.PolicyTypeCEL
}

func (c *CELCompiler) Extension() string {
	return "cel"
}

func (c *CELCompiler) DefaultPolicy() []byte {
	return []byte(celDefaultPolicy)
}

func (c *CELCompiler) Compile(id string, source []byte) (Program, error) {
	ast, issues := c.env.Compile(string(source))
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}

	switch out := ast.OutputType(); {
	case out.IsExactType(cel.BoolType), out.Kind() == types.MapKind, out.Kind() == types.DynKind:
	default:
		return nil, fmt.Errorf("expression must yield bool or map, got %s", out)
	}

	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(celCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}

	return &celProgram{id: id, prg: prg}, nil
}

type celProgram struct {
	id  string
	prg cel.Program
}

var nativeReportType = reflect.TypeOf(map[string]any{})

func (p *celProgram) Eval(ctx context.Context, references interfaces.ReferenceValueMap, claims interfaces.NormalizedClaims) (interfaces.EvaluationOutcome, error) {
	reference := make(map[string][]string, len(references))
	for k, v := range references {
		reference[k] = v
	}

	out, _, err := p.prg.ContextEval(ctx, map[string]any{
		"input":     map[string]string(claims),
		"reference": reference,
	})
	if err != nil {
		return interfaces.EvaluationOutcome{}, fmt.Errorf("%w: eval: %v", interfaces.ErrPolicyEvaluationFailed, err)
	}

	if allowed, ok := out.Value().(bool); ok {
		return interfaces.EvaluationOutcome{
			Passed: allowed,
			Report: map[string]any{"policy": p.id, "allow": allowed},
		}, nil
	}

	native, err := out.ConvertToNative(nativeReportType)
	if err != nil {
		return interfaces.EvaluationOutcome{}, fmt.Errorf("%w: result is neither bool nor map: %v", interfaces.ErrPolicyEvaluationFailed, err)
	}
	report := native.(map[string]any)

	allowed, ok := report["allow"].(bool)
	if !ok {
		return interfaces.EvaluationOutcome{}, fmt.Errorf("%w: result map has no boolean \"allow\"", interfaces.ErrPolicyEvaluationFailed)
	}

	return interfaces.EvaluationOutcome{Passed: allowed, Report: report}, nil
}
