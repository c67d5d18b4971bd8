package core

// error_messages.go maps technical errors to user-facing messages with a
// code support staff can search logs for.
//
// Codes by category:
//
//	REQ001-REQ003   request problems (table name, delimiter, file)
//	SCH001-SCH004   destination schema problems
//	DATA001         file contents do not fit the table
//	KEY001-KEY002   unique constraint discovery
//	REC001-REC003   update/insert against the destination
//	TX001-TX002     begin/commit, serialization conflicts
//	DB001-DB007     raw database conditions recognised by message text
//	LOAD001-LOAD003 load slot, cancellation, timeout
//	ERR000          anything else; check the logs for the technical error

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// UserMessage represents a user-friendly error with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

// sentinelMessages are checked first, in order, with errors.Is.
var sentinelMessages = []struct {
	target error
	msg    UserMessage
}{
	{ErrTooManyLoads, UserMessage{"System is busy processing other loads", "Please wait a moment and try again", "LOAD001"}},
	{context.Canceled, UserMessage{"Load was cancelled", "Start the load again when ready", "LOAD002"}},
	{context.DeadlineExceeded, UserMessage{"Load timed out", "Split the file or raise LOAD_TIMEOUT", "LOAD003"}},
	{ErrInvalidDelimiter, UserMessage{"Delimiter is not allowed", "Use a single printable character other than a quote or backslash", "REQ002"}},
	{os.ErrNotExist, UserMessage{"File not found", "Check the file path or object key", "REQ003"}},
	{ErrTableNotFound, UserMessage{"Table not found", "Verify the table name and schema", "SCH001"}},
	{ErrUnknownColumn, UserMessage{"Requested column does not exist in the table", "Check the field list against the table columns", "SCH002"}},
	{ErrDuplicateColumn, UserMessage{"A column is listed more than once", "Remove the repeated field", "SCH003"}},
	{ErrNoReconciliationKey, UserMessage{"No unique key covers the loaded fields", "Include every column of a unique constraint, or allow insert-only loads", "KEY002"}},
	{ErrDuplicateKey, UserMessage{"The file contains the same key more than once", "Remove duplicate rows from the file", "REC002"}},
	{ErrSerializationFailure, UserMessage{"Load conflicted with a concurrent change", "Run the load again", "TX002"}},
}

// errorPattern maps an error substring to a user-friendly message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns are matched case-insensitively against the error text when
// no sentinel matched.
var errorPatterns = []errorPattern{
	{"duplicate key", UserMessage{"A row with this key already exists", "Check the file for keys that collide with existing rows", "DB001"}},
	{"unique constraint", UserMessage{"This value must be unique but already exists", "Check for duplicate entries in the file", "DB002"}},
	{"foreign key", UserMessage{"Referenced record does not exist", "Load parent tables first", "DB003"}},
	{"connection refused", UserMessage{"Unable to connect to database", "Please try again in a few moments", "DB004"}},
	{"connection reset", UserMessage{"Database connection was interrupted", "Please try again", "DB005"}},
	{"timeout", UserMessage{"Operation timed out", "Try a smaller file or try again later", "DB006"}},
	{"deadlock", UserMessage{"Database was busy with conflicting operations", "Please try again", "DB007"}},
}

// kindMessages are the fallbacks for a LoadError no sentinel or pattern matched.
var kindMessages = map[Kind]UserMessage{
	KindInvalidRequest:      {"The load request is invalid", "Check the table name, delimiter and file", "REQ001"},
	KindSchema:              {"The destination table cannot receive this file", "Check the table exists and the field list matches it", "SCH004"},
	KindDataFormat:          {"File contents do not match the table", "Check the delimiter, header flag and column count and types", "DATA001"},
	KindConstraintDiscovery: {"Could not read the table's unique constraints", "Check catalog permissions for the database user", "KEY001"},
	KindReconciliation:      {"Could not merge the file into the table", "Check the logs for the failing statement", "REC001"},
	KindTransaction:         {"The load transaction could not be completed", "Run the load again", "TX001"},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
//
// Sentinels are checked first, then known database message patterns, then
// the LoadError kind. Unmatched errors map to ERR000.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.target) {
			return sm.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	if msg, ok := kindMessages[KindOf(err)]; ok {
		return msg
	}
	return defaultMessage
}

// FormatUserError renders "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something more specific than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
