package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	appbilling "github.com/lexmeter/backend/internal/application/billing"
	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/infrastructure/logger"
	"github.com/lexmeter/backend/internal/interfaces/http/dto"
	"go.uber.org/zap"
)

// QuotaDecisionKey is the gin context key holding the gate decision
const QuotaDecisionKey = "quota_decision"

// QuotaAuthorizer runs the enforcement gate and turns a REJECT into
// *billing.QuotaExceededError
type QuotaAuthorizer interface {
	Authorize(ctx context.Context, input appbilling.DecideInput) (*billing.Decision, error)
}

// QuantityFunc reads the requested quantity from the request
type QuantityFunc func(c *gin.Context) (int64, error)

// FixedQuantity requests the same quantity on every call
func FixedQuantity(n int64) QuantityFunc {
	return func(*gin.Context) (int64, error) { return n, nil }
}

// EnforceQuota asks the gate before a resource-consuming handler runs.
// A REJECT aborts with 429 and the decision in the error context; any other
// outcome stores the decision under QuotaDecisionKey and continues.
// Nothing is recorded here: the handler consumes after its action succeeds.
func EnforceQuota(authorizer QuotaAuthorizer, rt billing.ResourceType, quantityFn QuantityFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := requestIDOf(c)

		userID, err := GetUserUUID(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				dto.NewErrorResponseWithRequestID(dto.ErrCodeUnauthorized, "Authentication required", requestID))
			return
		}

		quantity, err := quantityFn(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest,
				dto.NewErrorResponseWithRequestID(dto.ErrCodeInvalidInput, err.Error(), requestID))
			return
		}

		decision, err := authorizer.Authorize(c.Request.Context(), appbilling.DecideInput{
			UserID:       userID,
			ResourceType: rt,
			Quantity:     quantity,
		})
		if err != nil {
			var quotaErr *billing.QuotaExceededError
			if !errors.As(err, &quotaErr) {
				logger.FromContext(c.Request.Context()).Error("quota check failed",
					zap.String("resource_type", rt.String()),
					zap.Error(err))
			}
			mapped := dto.MapError(err)
			c.AbortWithStatusJSON(mapped.Status, mapped.Response(requestID))
			return
		}

		c.Set(QuotaDecisionKey, decision)
		c.Next()
	}
}

// GetQuotaDecision returns the decision stored by EnforceQuota
func GetQuotaDecision(c *gin.Context) *billing.Decision {
	if v, ok := c.Get(QuotaDecisionKey); ok {
		if d, ok := v.(*billing.Decision); ok {
			return d
		}
	}
	return nil
}
