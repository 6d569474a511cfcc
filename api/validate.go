package api

import (
	"errors"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/xraph/tally"
)

const maxIdentLen = 255

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "form", "uri"} {
			name, _, _ := strings.Cut(f.Tag.Get(tag), ",")
			if name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	// ident: an opaque identifier without surrounding whitespace.
	_ = v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == strings.TrimSpace(s) && len(s) <= maxIdentLen
	})
	return v
}

// bindJSON decodes the body into req and validates it.
func (h *Handler) bindJSON(c *gin.Context, req any) error {
	if err := c.ShouldBindJSON(req); err != nil {
		return tally.ValidationError{Field: "body", Message: "must be a JSON object"}
	}
	return h.check(req)
}

// bindQuery decodes the query string into req and validates it.
func (h *Handler) bindQuery(c *gin.Context, req any) error {
	if err := c.ShouldBindQuery(req); err != nil {
		return tally.ValidationError{Field: "query", Message: "is malformed"}
	}
	return h.check(req)
}

func (h *Handler) check(req any) error {
	err := h.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return tally.ValidationError{Field: "body", Message: "is invalid"}
	}
	fe := verrs[0]
	return tally.ValidationError{Field: fe.Field(), Message: fieldMessage(fe)}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "ident":
		return "must be an identifier without surrounding whitespace"
	case "oneof":
		return "must be one of: " + fe.Param()
	}
	return "is invalid"
}
