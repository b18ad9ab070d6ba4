package services

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"snapmap/apperrors"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/gofiber/fiber/v2"
)

var (
	vOnce      sync.Once
	validate   *validator.Validate
	translator ut.Translator
)

func validatorInstance() (*validator.Validate, ut.Translator) {
	vOnce.Do(func() {
		enLoc := en.New()
		trans, _ := ut.New(enLoc, enLoc).GetTranslator("en")

		v := validator.New(validator.WithRequiredStructEnabled())

		// report json names, not Go field names
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
		_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
		_ = en_translations.RegisterDefaultTranslations(v, trans)
		_ = v.RegisterTranslation("notblank", trans, func(ut ut.Translator) error {
			return ut.Add("notblank", "{0} must not be blank", true)
		}, func(ut ut.Translator, fe validator.FieldError) string {
			t, _ := ut.T("notblank", fe.Field())
			return t
		})

		validate, translator = v, trans
	})
	return validate, translator
}

// Validate runs the struct tags of dst and returns the first failure as an
// InvalidArgument error carrying a readable message.
func Validate(dst any) error {
	v, trans := validatorInstance()
	if err := v.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apperrors.New(apperrors.CodeInvalidArgument, verrs[0].Translate(trans))
		}
		return apperrors.Wrap(ErrInvalidArgument, "Validate", err)
	}
	return nil
}

// bindJSON parses the request body into dst and validates it
func bindJSON(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return apperrors.New(apperrors.CodeInvalidArgument, "Invalid request body")
	}
	return Validate(dst)
}
