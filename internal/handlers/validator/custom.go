package validator

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	symbolRegex    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,29}$`)
	timeframeRegex = regexp.MustCompile(`^[1-9][0-9]*(m|h|d|w)$`)
)

func symbolValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return symbolRegex.MatchString(val)
}

func timeframeValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return timeframeRegex.MatchString(val)
}
