package types

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ProviderErrorDetail carries the nested provider-level error reported by an
// upstream engine, when the engine surfaces one (for example the raw API
// error behind an adapter failure).
type ProviderErrorDetail struct {
	Message string `json:"message"`
}

// EngineError is a structured failure raised by an engine adapter. Anything
// else reaching the orchestrator is treated as an opaque error and
// stringified directly.
type EngineError struct {
	Message    string
	StatusCode int
	Provider   *ProviderErrorDetail
}

func (e *EngineError) Error() string {
	return e.Message
}

// ExtractErrorDetail turns an arbitrary failure into one human-readable
// string. Structured engine failures contribute their message, augmented
// with the status code and the nested provider message when those are
// present and not already embedded in the text.
func ExtractErrorDetail(err error) string {
	if err == nil {
		return ""
	}

	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		return err.Error()
	}

	detail := engineErr.Message
	if engineErr.StatusCode != 0 && !strings.Contains(detail, strconv.Itoa(engineErr.StatusCode)) {
		detail = fmt.Sprintf("%s (status %d)", detail, engineErr.StatusCode)
	}
	if engineErr.Provider != nil {
		provider := strings.TrimSpace(engineErr.Provider.Message)
		if provider != "" && !strings.Contains(detail, provider) {
			detail = detail + ": " + provider
		}
	}
	return detail
}

// errorPrefix matches a leading "SomethingError: " or bare "Error: " label.
var errorPrefix = regexp.MustCompile(`^(?:[A-Za-z][A-Za-z0-9_]*)?Error:\s*`)

// NormalizeErrorText strips up to two leading "<Identifier>Error: " or
// "Error: " prefixes. Errors cross engine, adapter and orchestrator layers
// and each layer may stack its own label; two rounds cover the wrapping seen
// in practice. The result is never empty: when stripping would consume the
// whole string the previous form is kept.
func NormalizeErrorText(text string) string {
	result := text
	for i := 0; i < 2; i++ {
		loc := errorPrefix.FindStringIndex(result)
		if loc == nil {
			break
		}
		stripped := result[loc[1]:]
		if strings.TrimSpace(stripped) == "" {
			break
		}
		result = stripped
	}
	return result
}

// IsCancellation reports whether the failure is a cooperative cancellation
// rather than a real error.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
