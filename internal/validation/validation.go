// Package validation wraps go-playground/validator with English messages
// keyed by JSON (or koanf) field names.
package validation

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	validate   *validator.Validate
	translator ut.Translator
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Report field names as they appear on the wire or in config files.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"json", "koanf"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return fld.Name
	})

	_ = validate.RegisterTranslation("json", translator,
		func(t ut.Translator) error { return t.Add("json", "{0} must be valid JSON", true) },
		func(t ut.Translator, fe validator.FieldError) string {
			s, _ := t.T("json", fe.Field())
			return s
		},
	)
}

// Struct validates s against its `validate` tags.
func Struct(s any) error {
	return validate.Struct(s)
}

// Messages flattens a validation error into field -> message.
// Errors that did not come from the validator are returned under "".
func Messages(err error) map[string]string {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"": err.Error()}
	}
	msgs := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		key := fe.Namespace()
		if i := strings.IndexByte(key, '.'); i >= 0 {
			key = key[i+1:]
		}
		msgs[key] = fe.Translate(translator)
	}
	return msgs
}

// IsInvalid reports whether err carries validation failures.
func IsInvalid(err error) bool {
	var verrs validator.ValidationErrors
	return errors.As(err, &verrs)
}
