package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"collectbot/internal/models"
)

// CollectionTools are the tools the collections agent may call. They only read the
// profile of the user attached to the context with WithToolUser.
func CollectionTools() []tool.BaseTool {
	return []tool.BaseTool{
		newDebtStatusTool(time.Now),
		newPaymentPlanTool(),
	}
}

var toolLimiter = newToolRateLimiter(ToolRateLimit, ToolRateWindow)

type debtStatusParams struct{}

type debtStatus struct {
	Debt             float64 `json:"debt"`
	DebtMaturityDate string  `json:"debtMaturityDate,omitempty"`
	DaysToMaturity   *int    `json:"daysToMaturity,omitempty"`
	Overdue          bool    `json:"overdue"`
	Active           bool    `json:"active"`
	Payments         int     `json:"payments"`
}

func newDebtStatusTool(now func() time.Time) tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: "debt_status",
		Desc: "Devuelve el saldo pendiente del cliente, la fecha de vencimiento, " +
			"los días que faltan (negativo si está vencida) y cuántos pagos registra.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{}),
	}
	return utils.NewTool(info, func(ctx context.Context, _ *debtStatusParams) (string, error) {
		user, refusal := toolUser(ctx)
		if user == nil {
			return refusal, nil
		}
		status := debtStatus{
			Debt:     user.Debt,
			Active:   user.State,
			Payments: len(user.PaymentHistory),
		}
		if !user.DebtMaturityDate.IsZero() {
			status.DebtMaturityDate = user.DebtMaturityDate.Format(time.DateOnly)
			days := daysBetween(now(), user.DebtMaturityDate.Time)
			status.DaysToMaturity = &days
			status.Overdue = days < 0 && user.Debt > 0
		}
		out, err := json.Marshal(status)
		if err != nil {
			return "", err
		}
		return string(out), nil
	})
}

type paymentPlanParams struct {
	Installments int `json:"installments"`
}

type paymentPlan struct {
	Debt         float64 `json:"debt"`
	Installments int     `json:"installments"`
	Amount       float64 `json:"amount"`
	LastAmount   float64 `json:"lastAmount"`
}

func newPaymentPlanTool() tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: "payment_plan",
		Desc: fmt.Sprintf("Calcula un plan de pagos en cuotas iguales para saldar la deuda del cliente, "+
			"entre 1 y %d cuotas.", MaxInstallments),
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"installments": {
				Desc:     "Número de cuotas mensuales.",
				Type:     schema.Integer,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, func(ctx context.Context, params *paymentPlanParams) (string, error) {
		user, refusal := toolUser(ctx)
		if user == nil {
			return refusal, nil
		}
		if params == nil || params.Installments < 1 || params.Installments > MaxInstallments {
			return toolError(fmt.Sprintf("installments must be between 1 and %d", MaxInstallments)), nil
		}
		plan := splitDebt(user.Debt, params.Installments)
		out, err := json.Marshal(plan)
		if err != nil {
			return "", err
		}
		return string(out), nil
	})
}

// splitDebt rounds every installment to cents and lets the last one absorb the rest.
func splitDebt(debt float64, installments int) paymentPlan {
	cents := int64(math.Round(debt * 100))
	per := cents / int64(installments)
	last := cents - per*int64(installments-1)
	return paymentPlan{
		Debt:         float64(cents) / 100,
		Installments: installments,
		Amount:       float64(per) / 100,
		LastAmount:   float64(last) / 100,
	}
}

func daysBetween(from, to time.Time) int {
	y1, m1, d1 := from.UTC().Date()
	y2, m2, d2 := to.UTC().Date()
	a := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	b := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// toolUser returns the client the tools answer about. When the call must be refused
// it returns nil and the refusal to hand back to the model as the tool result.
func toolUser(ctx context.Context) (*models.User, string) {
	user, ok := ToolUserFromContext(ctx)
	if !ok {
		return nil, toolError("no client attached to this conversation")
	}
	if !toolLimiter.Allow(fmt.Sprintf("user:%d", user.ID)) {
		return nil, toolError("tool rate limit exceeded, please retry in a minute")
	}
	return user, ""
}

// toolError renders a failure as a tool result so the agent run goes on and the model
// sees what went wrong.
func toolError(msg string) string {
	out, _ := json.Marshal(map[string]string{"error": msg})
	return string(out)
}
