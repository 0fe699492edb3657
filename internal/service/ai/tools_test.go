package ai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"collectbot/internal/config"
	"collectbot/internal/models"
)

func TestDebtStatusTool(t *testing.T) {
	now := time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)
	debtTool := newDebtStatusTool(func() time.Time { return now })
	user := models.User{
		ID:               11,
		Debt:             1500.5,
		DebtMaturityDate: models.NewTimestamp(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)),
		State:            true,
		Password:         "hash",
		PaymentHistory:   []json.RawMessage{json.RawMessage(`{"amount":100}`)},
	}

	out, err := debtTool.InvokableRun(WithToolUser(context.Background(), user), `{}`)
	if err != nil {
		t.Fatalf("InvokableRun: %v", err)
	}
	var status debtStatus
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.DaysToMaturity == nil || *status.DaysToMaturity != -9 || !status.Overdue {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Payments != 1 || status.Debt != 1500.5 {
		t.Fatalf("unexpected status %+v", status)
	}

	out, err = debtTool.InvokableRun(context.Background(), `{}`)
	if err != nil {
		t.Fatalf("a missing client must not abort the run: %v", err)
	}
	assertToolError(t, out, "no client")
}

func TestDaysBetweenUsesUTCDates(t *testing.T) {
	bogota := time.FixedZone("COT", -5*3600)
	// 21:30 on June 9th in Bogotá is already June 10th in UTC.
	now := time.Date(2024, 6, 9, 21, 30, 0, 0, bogota)
	maturity := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	if got := daysBetween(now, maturity); got != 0 {
		t.Fatalf("expected maturity today, got %d days", got)
	}
	if got := daysBetween(now, maturity.AddDate(0, 0, 5)); got != 5 {
		t.Fatalf("expected 5 days, got %d", got)
	}
}

func TestPaymentPlanTool(t *testing.T) {
	planTool := newPaymentPlanTool()
	ctx := WithToolUser(context.Background(), models.User{ID: 12, Debt: 100})

	out, err := planTool.InvokableRun(ctx, `{"installments":3}`)
	if err != nil {
		t.Fatalf("InvokableRun: %v", err)
	}
	var plan paymentPlan
	if err := json.Unmarshal([]byte(out), &plan); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if plan.Amount != 33.33 || plan.LastAmount != 33.34 {
		t.Fatalf("unexpected plan %+v", plan)
	}

	for _, args := range []string{`{"installments":0}`, `{"installments":48}`} {
		out, err := planTool.InvokableRun(ctx, args)
		if err != nil {
			t.Fatalf("out of range installments must not abort the run: %v", err)
		}
		assertToolError(t, out, "between 1 and")
	}
}

func assertToolError(t *testing.T, out, want string) {
	t.Helper()
	var result struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode tool result %q: %v", out, err)
	}
	if !strings.Contains(result.Error, want) {
		t.Fatalf("expected tool error containing %q, got %q", want, out)
	}
}

func TestToolUserIsRedacted(t *testing.T) {
	ctx := WithToolUser(context.Background(), models.User{ID: 1, Password: "hash"})
	user, ok := ToolUserFromContext(ctx)
	if !ok || user.Password != "" {
		t.Fatalf("tool user must not carry the password: %+v", user)
	}
}

func TestToolRateLimiter(t *testing.T) {
	limiter := newToolRateLimiter(2, time.Minute)
	if !limiter.Allow("k") || !limiter.Allow("k") {
		t.Fatalf("first two calls should pass")
	}
	if limiter.Allow("k") {
		t.Fatalf("third call should be limited")
	}
	if !limiter.Allow("other") {
		t.Fatalf("limits are per key")
	}
}

func TestNewChatModelRejectsUnknownProvider(t *testing.T) {
	cfg := config.Default()
	if _, err := NewChatModel(context.Background(), "missing", "", cfg); err == nil {
		t.Fatalf("expected error for unconfigured provider")
	}
	cfg.Providers = map[string]config.ProviderConfig{"mystery": {Model: "m"}}
	if _, err := NewChatModel(context.Background(), "mystery", "", cfg); err == nil {
		t.Fatalf("expected error for unsupported provider")
	}
}

type echoModel struct{}

func (echoModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	if len(input) == 0 {
		return nil, errors.New("empty input")
	}
	return schema.AssistantMessage("eco: "+input[len(input)-1].Content, nil), nil
}

func (echoModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func (m echoModel) WithTools([]*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

func TestNewGeneratorWithoutTools(t *testing.T) {
	if _, err := NewGenerator(context.Background(), nil, nil); err == nil {
		t.Fatalf("expected error for nil model")
	}
	gen, err := NewGenerator(context.Background(), echoModel{}, nil)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	reply, err := gen.Generate(context.Background(), []*schema.Message{schema.UserMessage("hola")})
	if err != nil || reply.Content != "eco: hola" {
		t.Fatalf("unexpected reply %+v %v", reply, err)
	}
}

// planningModel asks for a 48 installment plan, then relays whatever the tool answered.
type planningModel struct {
	mu    sync.Mutex
	calls int
}

func (m *planningModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	last := input[len(input)-1]
	if last.Role == schema.Tool {
		return schema.AssistantMessage("resultado: "+last.Content, nil), nil
	}
	return schema.AssistantMessage("", []schema.ToolCall{{
		ID: "call-1",
		Function: schema.FunctionCall{
			Name:      "payment_plan",
			Arguments: `{"installments":48}`,
		},
	}}), nil
}

func (m *planningModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func (m *planningModel) WithTools([]*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

func TestAgentSurvivesRejectedToolCall(t *testing.T) {
	chatModel := &planningModel{}
	gen, err := NewGenerator(context.Background(), chatModel, CollectionTools())
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	ctx := WithToolUser(context.Background(), models.User{ID: 13, Debt: 480})
	reply, err := gen.Generate(ctx, []*schema.Message{schema.UserMessage("quiero pagar en 48 cuotas")})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(reply.Content, "between 1 and") {
		t.Fatalf("model should have seen the tool error, got %q", reply.Content)
	}
	chatModel.mu.Lock()
	defer chatModel.mu.Unlock()
	if chatModel.calls != 2 {
		t.Fatalf("expected two model calls, got %d", chatModel.calls)
	}
}

func TestToolRateLimiterWindowSlides(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := newToolRateLimiter(1, time.Minute)
	limiter.now = func() time.Time { return now }
	if !limiter.Allow("k") || limiter.Allow("k") {
		t.Fatalf("expected one call per window")
	}
	now = now.Add(time.Minute + time.Second)
	if !limiter.Allow("k") {
		t.Fatalf("window should have slid")
	}
}
