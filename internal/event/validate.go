package event

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/cwrk-planet/messenger/internal/domain"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// в ошибках имена полей как на проводе
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Bind разбирает payload в dst и проверяет теги validate.
// Ошибки приводятся к *domain.ValidationError.
func Bind(payload json.RawMessage, dst any) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return domain.Invalid("payload", "malformed json")
	}
	return Check(dst)
}

func Check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return domain.Invalid(fe.Field(), fe.Tag())
	}
	return domain.Invalid("", err.Error())
}
