package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	validator "github.com/go-playground/validator/v10"
)

var (
	structOnce      sync.Once
	structValidator *validator.Validate
)

// New returns a validator with the request field tags registered:
//
//	user_id, cluster_id, k8s_name, k8s_namespace, k8s_container, shell_path,
//	contact_address, not_blank
//
// Field names in errors come from json tags.
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	for tag, fn := range map[string]func(string) bool{
		"user_id":         UserID,
		"cluster_id":      ClusterID,
		"k8s_name":        Name,
		"k8s_namespace":   Namespace,
		"k8s_container":   Container,
		"shell_path":      Shell,
		"contact_address": ContactAddress,
		"not_blank":       func(s string) bool { return strings.TrimSpace(s) != "" },
	} {
		if err := v.RegisterValidation(tag, stringValidation(tag, fn)); err != nil {
			panic(err)
		}
	}
	return v
}

func stringValidation(tag string, fn func(string) bool) validator.Func {
	return func(fl validator.FieldLevel) bool {
		field := fl.Field()
		if field.Kind() != reflect.String {
			panic("string type required for " + tag)
		}
		return fn(field.String())
	}
}

// Struct validates s against its validate tags and reports the first failing field.
func Struct(s any) error {
	structOnce.Do(func() { structValidator = New() })
	err := structValidator.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	return errors.New(fieldMessage(fieldErrs[0]))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "not_blank":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param())
	case "min", "gte", "lte":
		return fmt.Sprintf("%s is out of range", fe.Field())
	default:
		return fmt.Sprintf("invalid %s", fe.Field())
	}
}
