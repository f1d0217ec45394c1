// Package http serves the JSON API over the insight pipeline.
//
// This file holds request decoding and validation helpers shared by the
// handlers.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	maxBodyBytes = 1 << 20
	// UserHeader identifies the caller. Authentication happens upstream.
	UserHeader    = "X-User-ID"
	maxUserIDSize = 128
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeJSON reads a single JSON object from r into dst, rejecting unknown
// fields and oversized bodies, then validates dst's struct tags.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("request body is empty")
		case errors.As(err, &maxErr):
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		default:
			return fmt.Errorf("invalid JSON: %w", err)
		}
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return ValidateStruct(dst)
}

// ValidateStruct runs the validator and flattens its errors into one
// readable message.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "datetime":
		return fmt.Sprintf("%s must match %s", field, fe.Param())
	case "timezone":
		return field + " must be an IANA timezone"
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}

// ParseLimit reads a positive "limit" query parameter, capped at max.
func ParseLimit(query url.Values, def, max int) (int, error) {
	v := strings.TrimSpace(query.Get("limit"))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", v)
	}
	if n > max {
		n = max
	}
	return n, nil
}

// ParseBool reads an optional boolean query parameter.
func ParseBool(query url.Values, key string) (bool, error) {
	v := strings.TrimSpace(query.Get(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

// UserID extracts the caller from the request header. ok is false for a
// missing or malformed id.
func UserID(r *http.Request) (string, bool) {
	id := sanitizeInput(r.Header.Get(UserHeader))
	if id == "" || len(id) > maxUserIDSize || strings.ContainsAny(id, " \t\r\n") {
		return "", false
	}
	return id, true
}

// sanitizeInput removes control characters and trims whitespace
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}
