package validation

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// the claimed total must equal the sum of frozen line totals
	v.RegisterStructValidation(createOrderStructValidation, CreateOrderRequest{})

	return v
}

// createOrderStructValidation compares in paise so float rounding never decides a checkout.
func createOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateOrderRequest)

	var sumPaise int64
	for _, it := range req.CartItems {
		sumPaise += int64(math.Round(it.TotalPrice * 100))
	}

	totalPaise := int64(math.Round(req.TotalAmount * 100))
	if sumPaise != totalPaise {
		sl.ReportError(req.TotalAmount, "totalAmount", "TotalAmount", "amount_match_items",
			fmt.Sprintf("items sum %.2f != total %.2f", float64(sumPaise)/100, req.TotalAmount))
	}
}
