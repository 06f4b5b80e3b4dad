package tools

import "encoding/json"

// ErrorKind classifies a failed tool result. The set is closed; the agent
// and UI branch on it, so tools must pick from this list.
type ErrorKind string

const (
	ErrValidation  ErrorKind = "validation_error"
	ErrUser        ErrorKind = "user_error"
	ErrPermission  ErrorKind = "permission_error"
	ErrSecurity    ErrorKind = "security_error"
	ErrInterrupted ErrorKind = "interrupted"
	ErrSystem      ErrorKind = "system_error"
	ErrGeneral     ErrorKind = "general"
)

// Result is the unified return type from tool execution. Tools never raise;
// failures travel through Success=false plus an ErrorKind.
type Result struct {
	Success   bool      `json:"success"`
	Content   string    `json:"content,omitempty"`    // content sent to the model
	ForUser   string    `json:"for_user,omitempty"`   // content shown to the user, when different
	Error     string    `json:"error,omitempty"`      // error description
	ErrorType ErrorKind `json:"error_type,omitempty"` // classification, set iff Success=false
	Silent    bool      `json:"-"`                    // suppress user-facing rendering
	Async     bool      `json:"-"`                    // running in the background
}

func Ok(content string) *Result {
	return &Result{Success: true, Content: content}
}

func Silent(content string) *Result {
	return &Result{Success: true, Content: content, Silent: true}
}

func UserVisible(content string) *Result {
	return &Result{Success: true, Content: content, ForUser: content}
}

func Async(message string) *Result {
	return &Result{Success: true, Content: message, Async: true}
}

func Errorf(kind ErrorKind, message string) *Result {
	if kind == "" {
		kind = ErrGeneral
	}
	return &Result{Success: false, Error: message, ErrorType: kind}
}

func ValidationError(message string) *Result { return Errorf(ErrValidation, message) }
func UserError(message string) *Result       { return Errorf(ErrUser, message) }
func SecurityError(message string) *Result   { return Errorf(ErrSecurity, message) }
func SystemError(message string) *Result     { return Errorf(ErrSystem, message) }
func Interrupted(message string) *Result     { return Errorf(ErrInterrupted, message) }

// PermissionDenied is the canonical denial result. The message deliberately
// avoids tool internals.
func PermissionDenied(message string) *Result {
	return Errorf(ErrPermission, message)
}

// Encode renders the result as the JSON body of a tool message.
func (r *Result) Encode() string {
	b, err := json.Marshal(r)
	if err != nil {
		return `{"success":false,"error":"result encoding failed","error_type":"system_error"}`
	}
	return string(b)
}

// IsInterrupted reports whether the result represents a cancellation.
func (r *Result) IsInterrupted() bool {
	return !r.Success && r.ErrorType == ErrInterrupted
}
