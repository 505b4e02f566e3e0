package middleware

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/interfaces/http/dto"
)

var setupValidatorOnce sync.Once

// SetupValidator registers the metering tags on gin's validator and reports
// fields by their JSON name. Repeated calls are no-ops.
//
//	resource_type    one of the metered resource names
//	idempotency_key  printable ASCII without spaces
func SetupValidator() {
	setupValidatorOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(jsonFieldName)
		_ = v.RegisterValidation("resource_type", func(fl validator.FieldLevel) bool {
			return billing.ResourceType(fl.Field().String()).IsValid()
		})
		_ = v.RegisterValidation("idempotency_key", func(fl validator.FieldLevel) bool {
			return isIdempotencyKey(fl.Field().String())
		})
	})
}

func jsonFieldName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		name, _, _ = strings.Cut(fld.Tag.Get("form"), ",")
	}
	return name
}

func isIdempotencyKey(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] <= ' ' || s[i] > '~' {
			return false
		}
	}
	return true
}

// HandleValidationError answers 400 with one detail per failed field.
// Malformed JSON yields no details.
func HandleValidationError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, FormatValidationErrors(err, requestIDOf(c)))
}

func FormatValidationErrors(err error, requestID string) dto.Response {
	var details []dto.ValidationDetail
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			details = append(details, dto.ValidationDetail{Field: fe.Field(), Message: validationMessage(fe)})
		}
	}
	return dto.NewValidationErrorResponse("Request validation failed", requestID, details)
}

var boundPrefixes = map[string]string{
	"gt":  "Must be greater than ",
	"gte": "Must be greater than or equal to ",
	"lte": "Must be less than or equal to ",
}

func validationMessage(fe validator.FieldError) string {
	tag := fe.Tag()
	if prefix, ok := boundPrefixes[tag]; ok {
		return prefix + fe.Param()
	}
	switch tag {
	case "required":
		return "This field is required"
	case "min", "max":
		word := "least"
		if tag == "max" {
			word = "most"
		}
		msg := "Must be at " + word + " " + fe.Param()
		if fe.Kind() == reflect.String {
			msg += " characters"
		}
		return msg
	case "uuid":
		return "Invalid UUID format"
	case "oneof":
		return "Must be one of: " + fe.Param()
	case "resource_type":
		names := make([]string, 0, len(billing.AllResourceTypes()))
		for _, rt := range billing.AllResourceTypes() {
			names = append(names, rt.String())
		}
		return "Must be one of: " + strings.Join(names, " ")
	case "idempotency_key":
		return "Must be printable ASCII without spaces"
	default:
		return "Invalid value"
	}
}
