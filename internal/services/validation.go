package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrorResponse is the body of every failed API call. Code carries the
// engine error code; Details maps request fields to the rule they broke.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// ValidationHelper runs struct-tag validation on request and engine inputs.
// Failed fields are reported under their JSON names.
type ValidationHelper struct {
	validate *validator.Validate
}

func NewValidationHelper() *ValidationHelper {
	v := validator.New()
	v.RegisterTagNameFunc(jsonFieldName)
	return &ValidationHelper{validate: v}
}

// jsonFieldName names a field by its json tag, falling back to the Go name.
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return f.Name
	}
	return name
}

func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validate.Struct(s)
}

// fieldErrors lists every failed field with its rule, keyed by field name.
func fieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out[fe.Field()] = rule
	}
	return out
}

func describeValidation(err error) string {
	fields := fieldErrors(err)
	if fields == nil {
		return err.Error()
	}
	parts := make([]string, 0, len(fields))
	for field, rule := range fields {
		parts = append(parts, fmt.Sprintf("%s failed on '%s'", strings.ToLower(field), rule))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

func writeErrorResponse(w http.ResponseWriter, status int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// SendErrorResponse writes message with statusCode. A validator error in
// validationErr fills Details.
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	writeErrorResponse(w, statusCode, ErrorResponse{Error: message, Details: fieldErrors(validationErr)})
}

// SendEngineError writes an engine error with its mapped status code.
// Internal failures are not described to the caller.
func SendEngineError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		writeErrorResponse(w, status, ErrorResponse{Error: "internal server error"})
		return
	}

	resp := ErrorResponse{Error: err.Error()}
	var e *Error
	if errors.As(err, &e) {
		resp.Code = e.Code
	}
	writeErrorResponse(w, status, resp)
}
