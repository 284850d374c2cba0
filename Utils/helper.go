package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"
)

// Constants for pagination
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

// GenerateID returns a 64-char hex id unique to seed and this instant.
func GenerateID(seed string) string {
	return fmt.Sprintf("%x", blake3.Sum256([]byte(seed+time.Now().Format(time.RFC3339Nano)+uuid.New().String())))
}

// GenerateReference builds a gateway reference such as "sub-1f2e3d4c5b6a7988a9b0".
func GenerateReference(prefix, seed string) string {
	return prefix + "-" + GenerateID(seed)[:20]
}

// HTTPError is returned by DoJSON when the remote answers with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("non-2xx response %d: %s", e.StatusCode, e.Body)
}

// DoJSON sends body (if any) as JSON and decodes the JSON response into out (if not nil).
// Non-2xx responses are returned as *HTTPError with the body included for context.
func DoJSON(ctx context.Context, method, url string, headers map[string]string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// Response represents a standardized API response structure
type Response struct {
	Success bool         `json:"success"`
	Data    interface{}  `json:"data,omitempty"`
	Error   string       `json:"error,omitempty"`
	Errors  []FieldError `json:"errors,omitempty"`
	Message string       `json:"message,omitempty"`
}

// FieldError describes one failed validation rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// SendJSONResponse sends a standardized JSON response with proper headers
func SendJSONResponse(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Log encoding errors but don't expose to client
		fmt.Printf("Failed to encode JSON response: %v\n", err)
	}
}

// SendErrorResponse sends a standardized error response
// Use this for all error responses to maintain consistency
func SendErrorResponse(w http.ResponseWriter, status int, message string) {
	SendJSONResponse(w, status, Response{
		Success: false,
		Error:   message,
	})
}

// SendValidationErrors answers 400 with the list of failed fields
func SendValidationErrors(w http.ResponseWriter, errs []FieldError) {
	SendJSONResponse(w, http.StatusBadRequest, Response{
		Success: false,
		Error:   "validation failed",
		Errors:  errs,
	})
}

// SendSuccessResponse sends a standardized success response
func SendSuccessResponse(w http.ResponseWriter, data interface{}) {
	SendJSONResponse(w, http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

func SendCreatedResponse(w http.ResponseWriter, data interface{}) {
	SendJSONResponse(w, http.StatusCreated, Response{
		Success: true,
		Data:    data,
	})
}

// ParsePagination reads ?limit=&offset= with the default page size and the upper bound applied.
func ParsePagination(r *http.Request) (limit, offset int) {
	limit = DefaultPageLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
			if limit > MaxPageLimit {
				limit = MaxPageLimit
			}
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

// DecodeJSON reads the request body into v.
func DecodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) == 0 {
		return fmt.Errorf("request body is empty")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// MaskSecret keeps the first and last four characters of a secret for logging.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
