package registry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/amitpaz1/formbridge/pkg/condition"
	"github.com/amitpaz1/formbridge/pkg/domain"

	"github.com/redis/go-redis/v9"
)

func baseDef() *domain.IntakeDefinition {
	return &domain.IntakeDefinition{
		ID:     "vendor",
		Schema: map[string]any{"type": "object"},
	}
}

func TestValidateRejectsRuleCycles(t *testing.T) {
	def := baseDef()
	def.FieldRules = map[string]condition.FieldRules{
		"a": {Visible: &condition.Condition{When: "b", Op: condition.OpExists}},
		"b": {Visible: &condition.Condition{When: "a", Op: condition.OpExists}},
	}
	err := Validate(def)
	if err == nil || !strings.Contains(err.Error(), "a -> b -> a") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestValidateRejectsBadDefinitions(t *testing.T) {
	cases := map[string]func(*domain.IntakeDefinition){
		"missing id":      func(d *domain.IntakeDefinition) { d.ID = "" },
		"missing schema":  func(d *domain.IntakeDefinition) { d.Schema = nil },
		"bad operator":    func(d *domain.IntakeDefinition) { d.FieldRules = map[string]condition.FieldRules{"a": {Required: &condition.Condition{When: "b", Op: "nope"}}} },
		"bad gate":        func(d *domain.IntakeDefinition) { d.ApprovalGates = []domain.ApprovalGate{{Name: "g", Condition: &condition.Condition{Op: condition.OpEq}}} },
		"bad destination": func(d *domain.IntakeDefinition) { d.Destination = &domain.Destination{URL: "ftp://example.com/x"} },
	}
	for name, mutate := range cases {
		def := baseDef()
		mutate(def)
		if err := Validate(def); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemory()
	if err := reg.Register(baseDef()); err != nil {
		t.Fatalf("register: %v", err)
	}
	def, err := reg.GetIntake(context.Background(), "vendor")
	if err != nil || def.ID != "vendor" {
		t.Fatalf("unexpected get: %v %v", def, err)
	}
	if _, err := reg.GetIntake(context.Background(), "missing"); !errors.Is(err, domain.ErrIntakeNotFound) {
		t.Fatalf("expected intake not found, got %v", err)
	}
	if ids := reg.IDs(); len(ids) != 1 || ids[0] != "vendor" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

const sampleYAML = `
intakes:
  - id: vendor-onboarding
    name: Vendor onboarding
    ttl: 72h
    schema:
      type: object
      properties:
        name: {type: string}
        amount: {type: number}
      required: [name]
    fieldRules:
      taxId:
        visibleWhen: {when: country, op: eq, value: US}
    approvalGates:
      - name: large-amount
        condition:
          or:
            - {when: amount, op: gt, value: 10000}
            - {when: country, op: in, value: [KP, IR]}
    destination:
      url: https://hooks.example.com/formbridge
      secret: ${FB_TEST_WEBHOOK_SECRET}
      headers:
        X-Team: vendors
`

func TestParseYAML(t *testing.T) {
	t.Setenv("FB_TEST_WEBHOOK_SECRET", "whsec_test")
	defs, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("expected one intake, got %d", len(defs))
	}
	def := defs[0]
	if def.ID != "vendor-onboarding" || def.TTL != 72*time.Hour {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if def.Destination == nil || def.Destination.Secret != "whsec_test" || def.Destination.Headers["X-Team"] != "vendors" {
		t.Fatalf("unexpected destination: %+v", def.Destination)
	}
	if req := def.Schema["required"].([]any); req[0] != "name" {
		t.Fatalf("unexpected schema: %+v", def.Schema)
	}
	rule := def.FieldRules["taxId"]
	if rule.Visible == nil || rule.Visible.When != "country" || rule.Visible.Value != "US" {
		t.Fatalf("unexpected rule: %+v", rule)
	}
	if got := def.TriggeredGates(map[string]any{"amount": 20000}); len(got) != 1 || got[0] != "large-amount" {
		t.Fatalf("expected gate to trigger, got %v", got)
	}
	if got := def.TriggeredGates(map[string]any{"country": "KP"}); len(got) != 1 {
		t.Fatalf("expected gate to trigger on country, got %v", got)
	}
	if err := NewMemory().Register(def); err != nil {
		t.Fatalf("parsed definition should register: %v", err)
	}
}

func TestParseRejectsBadTTL(t *testing.T) {
	if _, err := Parse([]byte("intakes:\n  - id: x\n    ttl: soon\n    schema: {type: object}\n")); err == nil {
		t.Fatalf("expected ttl error")
	}
}

func TestRedisRegistryServesLocalCacheAndInvalidates(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	reg := NewRedis(rdb, time.Minute, nil)
	reg.local.SetDefault("vendor", baseDef())

	def, err := reg.GetIntake(context.Background(), "vendor")
	if err != nil || def.ID != "vendor" {
		t.Fatalf("expected cached definition, got %v %v", def, err)
	}

	reg.invalidate("vendor")
	_, err = reg.GetIntake(context.Background(), "vendor")
	if err == nil {
		t.Fatalf("expected backend error after invalidation")
	}
	if errors.Is(err, domain.ErrIntakeNotFound) {
		t.Fatalf("backend failure must not look like a missing intake")
	}

	reg.local.SetDefault("a", baseDef())
	reg.local.SetDefault("b", baseDef())
	reg.invalidate("ALL")
	if reg.local.ItemCount() != 0 {
		t.Fatalf("expected full flush")
	}
}
