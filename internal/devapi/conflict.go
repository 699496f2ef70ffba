package devapi

import (
	"errors"
	"strconv"
	"strings"
)

var errMalformedPrecondition = errors.New("malformed If-Match header")

// parseIfMatch reads a strong or weak entity tag holding a note version. An absent header yields
// ok == false.
func parseIfMatch(header string) (version int64, ok bool, err error) {
	value := strings.TrimSpace(header)
	if value == "" {
		return 0, false, nil
	}
	value = strings.TrimPrefix(value, "W/")
	if unquoted, unquoteErr := strconv.Unquote(value); unquoteErr == nil {
		value = unquoted
	}
	version, err = strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || version <= 0 {
		return 0, false, errMalformedPrecondition
	}
	return version, true, nil
}

// checkVersion accepts a change when no precondition was sent or when it matches the stored
// version.
func checkVersion(stored *NoteRecord, expected int64, hasPrecondition bool) bool {
	if !hasPrecondition {
		return true
	}
	return stored.Version == expected
}

func nextVersion(stored *NoteRecord) int64 {
	next := stored.Version + 1
	if next <= 0 {
		next = 1
	}
	return next
}
