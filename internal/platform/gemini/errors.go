package gemini

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/phrazzld/mediagen/internal/generation"
	"google.golang.org/genai"
)

// classifyError maps genai API errors onto failure reasons. Errors without
// an HTTP status fall back to generation.Classify.
func classifyError(err error) *generation.ProviderError {
	if err == nil {
		return nil
	}

	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var apiErrPtr *genai.APIError
		if !errors.As(err, &apiErrPtr) {
			return generation.Classify(err)
		}
		apiErr = *apiErrPtr
	}

	reason := generation.ReasonUnknown
	switch {
	case apiErr.Code == http.StatusTooManyRequests,
		apiErr.Code == http.StatusRequestTimeout,
		apiErr.Code >= http.StatusInternalServerError:
		reason = generation.ReasonNetwork
	case apiErr.Code == http.StatusBadRequest && mentionsSafety(apiErr.Message):
		reason = generation.ReasonModeration
	case apiErr.Code == http.StatusBadRequest:
		reason = generation.ReasonValidation
	case apiErr.Code == http.StatusUnauthorized,
		apiErr.Code == http.StatusForbidden,
		apiErr.Code == http.StatusNotFound:
		reason = generation.ReasonRejected
	}
	return generation.NewProviderError(reason, apiErr.Message, err)
}

// operationError converts the error payload of a finished long-running
// operation. Codes follow google.rpc.Code.
func operationError(payload map[string]any) *generation.ProviderError {
	message, _ := payload["message"].(string)
	code := 0
	switch c := payload["code"].(type) {
	case float64:
		code = int(c)
	case int:
		code = c
	case int32:
		code = int(c)
	case int64:
		code = int(c)
	}
	if message == "" {
		message = fmt.Sprintf("operation failed with code %d", code)
	}

	reason := generation.ReasonUnknown
	switch code {
	case 3, 9, 11: // INVALID_ARGUMENT, FAILED_PRECONDITION, OUT_OF_RANGE
		reason = generation.ReasonValidation
		if mentionsSafety(message) {
			reason = generation.ReasonModeration
		}
	case 4, 8, 10, 13, 14: // DEADLINE_EXCEEDED, RESOURCE_EXHAUSTED, ABORTED, INTERNAL, UNAVAILABLE
		reason = generation.ReasonNetwork
	case 5, 7, 12, 16: // NOT_FOUND, PERMISSION_DENIED, UNIMPLEMENTED, UNAUTHENTICATED
		reason = generation.ReasonRejected
	}
	return generation.NewProviderError(reason, message, nil)
}

func mentionsSafety(message string) bool {
	m := strings.ToLower(message)
	for _, word := range []string{"safety", "responsible ai", "blocked", "prohibited", "sensitive"} {
		if strings.Contains(m, word) {
			return true
		}
	}
	return false
}

func moderation(message string) *generation.ProviderError {
	return generation.NewProviderError(generation.ReasonModeration, message, generation.ErrContentBlocked)
}
