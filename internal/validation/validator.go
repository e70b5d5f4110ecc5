package validation

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with the custom tags registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterTagNameFunc(jsonName)

	// orderId doubles as the SQS FIFO MessageGroupId, so it must satisfy that
	// attribute's character set.
	if err := v.RegisterValidation("group_id", validGroupID); err != nil {
		panic(fmt.Sprintf("register group_id validation: %v", err))
	}
	v.RegisterStructValidation(createOrderStructValidation, CreateOrderRequest{})

	return v
}

// jsonName reports fields by their JSON name so errors match the request body.
func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

// validGroupID accepts alphanumerics and punctuation !"#$%&'()*+,-./:;<=>?@[\]^_`{|}~
func validGroupID(fl validatorv10.FieldLevel) bool {
	for _, r := range fl.Field().String() {
		if r < '!' || r > '~' {
			return false
		}
	}
	return true
}

// createOrderStructValidation rejects totals that cannot be represented in cents.
func createOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateOrderRequest)

	var sum float64
	for _, it := range req.OrderItems {
		sum += float64(it.Quantity) * it.Price
	}
	if math.IsInf(sum, 0) || math.IsNaN(sum) || sum > math.MaxInt64/100 {
		sl.ReportError(req.OrderItems, "orderItems", "OrderItems", "total_in_range", fmt.Sprintf("order total %v out of range", sum))
	}
}
