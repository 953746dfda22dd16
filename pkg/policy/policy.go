// Package policy admits or rejects delegate actions with CEL expressions
// before the relayer spends anything on them.
package policy

import (
	"context"
	"fmt"
	"math"

	"github.com/google/cel-go/cel"

	"github.com/PlayibleClub/playible-near-relayer/pkg/near"
)

const costLimit = 10000

// Rule is one named admission expression. It must evaluate to a bool.
type Rule struct {
	Name string `yaml:"name" json:"name" env:"NAME"`
	Expr string `yaml:"expr" json:"expr" env:"EXPR"`
}

// Decision is the outcome of Evaluate. Rule names the first rule that
// returned false.
type Decision struct {
	Allowed bool
	Rule    string
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// Evaluator holds compiled rules. It is safe for concurrent use.
type Evaluator struct {
	rules []compiledRule
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("sender_id", cel.StringType),
		cel.Variable("receiver_id", cel.StringType),
		cel.Variable("nonce", cel.IntType),
		cel.Variable("max_block_height", cel.IntType),
		cel.Variable("public_key", cel.StringType),
		cel.Variable("actions", cel.ListType(cel.MapType(cel.StringType, cel.DynType))),
	)
}

// New compiles rules. Compile errors and non-bool rules are reported here,
// not at request time.
func New(rules []Rule) (*Evaluator, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	e := &Evaluator{}
	for i, r := range rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy %s: compile: %w", name, issues.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("policy %s: expression returns %s, want bool", name, out)
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(costLimit),
		)
		if err != nil {
			return nil, fmt.Errorf("policy %s: program: %w", name, err)
		}
		e.rules = append(e.rules, compiledRule{Rule: Rule{Name: name, Expr: r.Expr}, prg: prg})
	}
	return e, nil
}

// Len is the number of compiled rules.
func (e *Evaluator) Len() int { return len(e.rules) }

// Evaluate runs every rule against da. A nil or empty Evaluator allows all.
func (e *Evaluator) Evaluate(ctx context.Context, da *near.DelegateAction) (Decision, error) {
	if e == nil || len(e.rules) == 0 {
		return Decision{Allowed: true}, nil
	}
	input := Input(da)
	for _, r := range e.rules {
		out, _, err := r.prg.ContextEval(ctx, input)
		if err != nil {
			return Decision{}, fmt.Errorf("policy %s: eval: %w", r.Name, err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return Decision{}, fmt.Errorf("policy %s: result not bool", r.Name)
		}
		if !allowed {
			return Decision{Allowed: false, Rule: r.Name}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// Input builds the CEL activation for a delegate action.
func Input(da *near.DelegateAction) map[string]any {
	actions := make([]map[string]any, 0, len(da.Actions))
	for _, a := range da.Actions {
		actions = append(actions, actionInput(a.Action))
	}
	return map[string]any{
		"sender_id":        da.SenderID.String(),
		"receiver_id":      da.ReceiverID.String(),
		"nonce":            clampInt(da.Nonce),
		"max_block_height": clampInt(da.MaxBlockHeight),
		"public_key":       da.PublicKey.String(),
		"actions":          actions,
	}
}

func actionInput(a near.Action) map[string]any {
	m := map[string]any{
		"type":         "",
		"method_name":  "",
		"gas":          int64(0),
		"deposit":      "0",
		"deposit_near": 0.0,
	}
	if a == nil {
		return m
	}
	m["type"] = a.Kind().String()
	var deposit near.Balance
	switch v := a.(type) {
	case near.FunctionCall:
		m["method_name"] = v.MethodName
		m["gas"] = clampInt(v.Gas)
		deposit = v.Deposit
	case near.Transfer:
		deposit = v.Deposit
	case near.Stake:
		deposit = v.Stake
	case near.DeleteAccount:
		m["beneficiary_id"] = v.BeneficiaryID.String()
	}
	m["deposit"] = deposit.String()
	m["deposit_near"] = deposit.NEAR()
	return m
}

func clampInt(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
