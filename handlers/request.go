package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"sort"

	middleware "kpitracker/middlewares"
	"kpitracker/models"
	"kpitracker/services"
	"kpitracker/utils"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// payloadField is the multipart field carrying the JSON body next to files.
const payloadField = "payload"

func callerFrom(w http.ResponseWriter, r *http.Request) (models.Caller, bool) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		utils.HandleMessageResponse(w, "Authentication required", http.StatusUnauthorized)
	}
	return caller, ok
}

func pathObjectID(w http.ResponseWriter, r *http.Request, name, label string) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(r.PathValue(name))
	if err != nil {
		utils.HandleMessageResponse(w, "Invalid "+label+" ID format", http.StatusBadRequest)
		return primitive.NilObjectID, false
	}
	return id, true
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

// decodeOptional decodes a JSON body when one is present. An empty body
// leaves v untouched. Either way v is validated.
func decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		utils.HandleMessageResponse(w, err.Error(), http.StatusBadRequest)
		return err
	}
	return utils.ValidateAndRespond(w, v)
}

// multipartBody is a parsed multipart request. Close releases the opened
// files and any temporary storage the parser used.
type multipartBody struct {
	form  *multipart.Form
	files []multipart.File
}

func parseMultipart(w http.ResponseWriter, r *http.Request, maxBytes int64) (*multipartBody, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.HandleMessageResponse(w, "Upload too large", http.StatusRequestEntityTooLarge)
			return nil, err
		}
		utils.HandleMessageResponse(w, "Failed to parse multipart form", http.StatusBadRequest)
		return nil, err
	}
	return &multipartBody{form: r.MultipartForm}, nil
}

// decodePayload validates the JSON "payload" field into v. A missing
// payload leaves v at its zero value.
func (b *multipartBody) decodePayload(w http.ResponseWriter, v interface{}) error {
	if raw := b.value(payloadField); raw != "" {
		if err := json.Unmarshal([]byte(raw), v); err != nil {
			utils.HandleMessageResponse(w, "Invalid payload: "+err.Error(), http.StatusBadRequest)
			return err
		}
	}
	return utils.ValidateAndRespond(w, v)
}

func (b *multipartBody) value(name string) string {
	if vs := b.form.Value[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// uploads opens every file part in field-name order.
func (b *multipartBody) uploads(fields ...string) ([]services.EvidenceUpload, error) {
	if len(fields) == 0 {
		for name := range b.form.File {
			fields = append(fields, name)
		}
		sort.Strings(fields)
	}
	var out []services.EvidenceUpload
	for _, name := range fields {
		for _, header := range b.form.File[name] {
			f, err := header.Open()
			if err != nil {
				return nil, err
			}
			b.files = append(b.files, f)
			contentType := header.Header.Get("Content-Type")
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			out = append(out, services.EvidenceUpload{Filename: header.Filename, ContentType: contentType, Data: f})
		}
	}
	return out, nil
}

func (b *multipartBody) Close() {
	for _, f := range b.files {
		f.Close()
	}
	if b.form != nil {
		b.form.RemoveAll()
	}
}
