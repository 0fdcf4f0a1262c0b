package utils

import (
	"encoding/json"
	"errors"
	"net/http"

	"kpitracker/models"

	"github.com/go-playground/validator/v10"
)

var Validate *validator.Validate

func init() {
	Validate = validator.New()
	err := Validate.RegisterValidation("kpistatus", func(fl validator.FieldLevel) bool {
		return models.Status(fl.Field().String()).Valid()
	})
	if err != nil {
		panic(err)
	}
}

// DecodeAndValidate decodes the request body into a structure and validates it
func DecodeAndValidate(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		HandleMessageResponse(w, err.Error(), http.StatusBadRequest)
		return err
	}
	return ValidateAndRespond(w, v)
}

// ValidateAndRespond validates an already decoded structure and writes the
// field error map when it fails.
func ValidateAndRespond(w http.ResponseWriter, v interface{}) error {
	if err := Validate.Struct(v); err != nil {
		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			HandleMessageResponse(w, err.Error(), http.StatusBadRequest)
			return err
		}
		HandleValidationResponse(w, http.StatusBadRequest, ValidationErrorMap(validationErrors))
		return err
	}
	return nil
}

func ValidationErrorMap(validationErrors validator.ValidationErrors) map[string]string {
	errorMessages := make(map[string]string)
	for _, e := range validationErrors {
		errorMessages[e.Namespace()] = e.Tag()
	}
	return errorMessages
}

// HandleMessageResponse writes a plain message envelope
func HandleMessageResponse(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, models.NewMessageResponse(statusCode, message))
}

// HandleValidationResponse handles validation errors response for struct validation
func HandleValidationResponse(w http.ResponseWriter, statusCode int, validationErrors interface{}) {
	writeJSON(w, statusCode, models.NewValidationResponse(statusCode, validationErrors))
}

// HandleDataResponse handles success responses with data
func HandleDataResponse(w http.ResponseWriter, message string, data interface{}, statusCode int) {
	writeJSON(w, statusCode, models.NewDataResponse(statusCode, message, data))
}

// HandleError maps service errors onto the response envelope. Anything that
// is not an AppError is reported as an internal error.
func HandleError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		writeJSON(w, appErr.Status, models.NewErrorResponse(appErr.Status, appErr.Code, appErr.Error()))
		return
	}
	writeJSON(w, http.StatusInternalServerError,
		models.NewErrorResponse(http.StatusInternalServerError, CodeInternal, err.Error()))
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
