package httpapi

import (
	"errors"
	"net/http"

	"carbon-ledger/pkg/errutil"
	"carbon-ledger/pkg/health"
	"carbon-ledger/pkg/middleware"
	"carbon-ledger/services/adjustment"
	"carbon-ledger/services/balance"
	"carbon-ledger/services/ledger"
	"carbon-ledger/services/rate"
	"carbon-ledger/services/redemption"
	"carbon-ledger/services/rule"
	"carbon-ledger/services/verification"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewHandler),
	fx.Invoke(Register),
)

// Handler adapts the core services to HTTP. It holds no logic of its own.
type Handler struct {
	ledger       *ledger.Service
	balance      *balance.Service
	rates        *rate.Service
	rules        *rule.Service
	verification *verification.Service
	redemption   *redemption.Service
	adjustment   *adjustment.Service
	health       health.HealthService
}

type HandlerParams struct {
	fx.In
	Ledger       *ledger.Service
	Balance      *balance.Service
	Rates        *rate.Service
	Rules        *rule.Service
	Verification *verification.Service
	Redemption   *redemption.Service
	Adjustment   *adjustment.Service
	Health       health.HealthService `optional:"true"`
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		ledger:       p.Ledger,
		balance:      p.Balance,
		rates:        p.Rates,
		rules:        p.Rules,
		verification: p.Verification,
		redemption:   p.Redemption,
		adjustment:   p.Adjustment,
		health:       p.Health,
	}
}

// Register mounts every route on r.
func Register(r *gin.Engine, h *Handler) {
	r.Use(middleware.RequestID(), middleware.Error())

	if h.health != nil {
		r.GET("/healthz", h.health.Liveness)
		r.GET("/readyz", h.health.Readiness)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")

	v1.POST("/activities/credit", h.CreditActivity)

	verifications := v1.Group("/verifications/:entry_id")
	verifications.POST("/review", h.ReviewDecision)
	verifications.POST("/ai-result", h.AIVerificationResult)
	verifications.POST("/cancel", h.CancelVerification)

	redemptions := v1.Group("/redemptions")
	redemptions.POST("", h.RequestRedemption)
	redemptions.GET("/:id", h.GetRedemption)
	redemptions.POST("/:id/settlement/completed", h.SettlementCompleted)
	redemptions.POST("/:id/settlement/failed", h.SettlementFailed)

	users := v1.Group("/users/:user_id")
	users.GET("/balance", h.GetBalance)
	users.GET("/history", h.GetHistory)
	users.GET("/redemptions", h.ListRedemptions)
	users.GET("/chain/verify", h.VerifyChain)
	users.POST("/chain/resume", h.ResumeChain)
	users.POST("/reconcile", h.Reconcile)
	users.POST("/expire", h.Expire)

	v1.GET("/entries/:entry_id", h.GetEntry)
	v1.POST("/entries/:entry_id/reverse", h.ReverseEntry)
	v1.POST("/transfers", h.Transfer)

	v1.GET("/rates/:rate_type", h.GetRate)
	v1.POST("/rates/:rate_type", h.PublishRate)

	v1.GET("/rules", h.ListRules)
	v1.PUT("/rules/:activity_type", h.UpsertRule)
}

// bind decodes the JSON body into v and reports validation failures field
// by field.
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]errutil.Detail, 0, len(verrs))
			for _, fe := range verrs {
				details = append(details, errutil.Detail{Field: fe.Field(), Message: fe.Tag()})
			}
			_ = c.Error(errutil.ValidationFailed("request validation failed", err, errutil.WithDetails(details...)))
			return false
		}
		_ = c.Error(errutil.BadRequest("malformed request body", err))
		return false
	}
	return true
}

func fail(c *gin.Context, err error) {
	_ = c.Error(err)
}

func ok(c *gin.Context, v any) {
	c.JSON(http.StatusOK, v)
}
