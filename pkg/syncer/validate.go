// chatsync - An offline-first message synchronization engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package syncer

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageLength is the message size limit, counted in Unicode scalars
// rather than UTF-16 units or bytes so emoji-heavy input is measured the
// same way everywhere.
const MaxMessageLength = 10_000

// ValidateText checks an outgoing message body and returns the trimmed
// form that will be stored and published. Pure and synchronous; a
// rejection here never reaches the local store.
func ValidateText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", &ValidationError{Code: ValidationEmpty}
	}
	if !utf8.ValidString(trimmed) {
		return "", &ValidationError{Code: ValidationInvalidEncoding}
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageLength {
		return "", &ValidationError{Code: ValidationTooLong}
	}
	return trimmed, nil
}
