package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	apperrors "github.com/imrishuroy/orderflow-pipeline/internal/errors"
)

// BindAndValidate binds the JSON body into out and runs validation.
// On failure it writes a 400 response and returns an apperrors.ErrInvalidInput
// error for the handler to short-circuit on.
func BindAndValidate(c *gin.Context, out any, v *validatorv10.Validate) error {
	if err := c.ShouldBindJSON(out); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) && te.Field != "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":  "validation_failed",
				"fields": map[string]string{te.Field: typeMessage(te.Type)},
			})
			return apperrors.E(apperrors.ErrInvalidInput, "bind", err)
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request_body",
			"msg":   err.Error(),
		})
		return apperrors.E(apperrors.ErrInvalidInput, "bind", err)
	}

	if err := v.Struct(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation_failed",
			"fields": fieldErrors(err),
		})
		return apperrors.E(apperrors.ErrInvalidInput, "validate", err)
	}
	return nil
}

// fieldErrors keys messages by JSON path, e.g. orderItems[0].quantity.
func fieldErrors(err error) map[string]string {
	out := map[string]string{}
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		out["error"] = err.Error()
		return out
	}
	for _, fe := range ve {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		out[path] = fieldMessage(fe)
	}
	return out
}

func fieldMessage(fe validatorv10.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must hold at least %s entries", fe.Param())
		}
		return "must be at least " + fe.Param()
	case "max":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must hold at most %s entries", fe.Param())
		}
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gte":
		return "must be at least " + fe.Param()
	case "group_id":
		return "must contain only printable ASCII without spaces"
	case "total_in_range":
		return "order total is out of range"
	default:
		return fe.Error()
	}
}

// typeMessage describes the JSON value a field expects, e.g. a fractional
// quantity is reported as needing a whole number.
func typeMessage(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "must be a whole number"
	case reflect.Float32, reflect.Float64:
		return "must be a number"
	case reflect.String:
		return "must be a string"
	case reflect.Slice:
		return "must be a list"
	default:
		return "has the wrong type"
	}
}
