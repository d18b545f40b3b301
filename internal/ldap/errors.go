package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrorCategory represents different categories of LDAP errors.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryPermission     ErrorCategory = "permission"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryUnsupported    ErrorCategory = "unsupported"
	ErrorCategoryRejected       ErrorCategory = "rejected"
	ErrorCategoryValidation     ErrorCategory = "validation"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// LDAPError provides enhanced error information for LDAP operations.
type LDAPError struct {
	Operation string        // The operation that failed
	Category  ErrorCategory // Error category
	LDAPCode  uint16        // LDAP result code
	Message   string        // Human-readable message
	ServerMsg string        // Server-provided message
	DN        string        // DN involved in the operation (if applicable)
	Retryable bool          // Whether the error is retryable
	Cause     error         // Underlying error
}

func (e *LDAPError) Error() string {
	var parts []string

	if e.LDAPCode > 0 {
		parts = append(parts, fmt.Sprintf("LDAP %s failed (code %d)", e.Operation, e.LDAPCode))
	} else {
		parts = append(parts, fmt.Sprintf("LDAP %s failed", e.Operation))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.ServerMsg != "" && e.ServerMsg != e.Message {
		parts = append(parts, "server: "+e.ServerMsg)
	}

	if e.DN != "" {
		parts = append(parts, "DN: "+e.DN)
	}

	return strings.Join(parts, " - ")
}

func (e *LDAPError) IsRetryable() bool {
	return e.Retryable
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// NewLDAPError creates a new LDAP error.
func NewLDAPError(operation string, err error) *LDAPError {
	if err == nil {
		return nil
	}

	ldapErr := &LDAPError{
		Operation: operation,
		Cause:     err,
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		ldapErr.LDAPCode = resultErr.ResultCode
		if resultErr.Err != nil {
			ldapErr.ServerMsg = resultErr.Err.Error()
		}
		ldapErr.Category = categorizeError(resultErr.ResultCode)
		ldapErr.Retryable = isLDAPCodeRetryable(resultErr.ResultCode)
		ldapErr.Message = getLDAPCodeMessage(resultErr.ResultCode)
	} else {
		ldapErr.Category = categorizeGenericError(err)
		ldapErr.Retryable = isGenericErrorRetryable(err)
		ldapErr.Message = err.Error()
	}

	return ldapErr
}

// ResultCode returns the LDAP result code carried anywhere in the error chain.
func ResultCode(err error) (uint16, bool) {
	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) && ldapErr.LDAPCode > 0 {
		return ldapErr.LDAPCode, true
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return resultErr.ResultCode, true
	}

	return 0, false
}

// categorizeError categorizes an error based on LDAP result code.
func categorizeError(code uint16) ErrorCategory {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired,
		ldap.LDAPResultConfidentialityRequired:
		return ErrorCategoryAuthentication

	case ldap.LDAPResultInsufficientAccessRights:
		return ErrorCategoryPermission

	case ldap.LDAPResultNoSuchObject,
		ldap.LDAPResultNoSuchAttribute:
		return ErrorCategoryNotFound

	// The server does not implement a critical control
	case ldap.LDAPResultUnavailableCriticalExtension,
		ldap.LDAPResultNotSupported:
		return ErrorCategoryUnsupported

	// AD answers a stale or foreign DirSync cookie with one of these
	case ldap.LDAPResultUnwillingToPerform,
		ldap.LDAPResultOperationsError,
		ldap.LDAPResultProtocolError:
		return ErrorCategoryRejected

	case ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultFilterError,
		ldap.LDAPResultUndefinedAttributeType:
		return ErrorCategoryValidation

	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultAdminLimitExceeded,
		ldap.LDAPResultTimeout:
		return ErrorCategoryServer

	case ldap.LDAPResultConnectError,
		ldap.ErrorNetwork:
		return ErrorCategoryConnection

	default:
		return ErrorCategoryUnknown
	}
}

// categorizeGenericError categorizes non-LDAP errors.
func categorizeGenericError(err error) ErrorCategory {
	if isGenericErrorRetryable(err) {
		return ErrorCategoryConnection
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "credentials") ||
		strings.Contains(errStr, "bind failed") {
		return ErrorCategoryAuthentication
	}

	if strings.Contains(errStr, "permission") ||
		strings.Contains(errStr, "access denied") {
		return ErrorCategoryPermission
	}

	return ErrorCategoryUnknown
}

// isLDAPCodeRetryable determines if an LDAP error code indicates a retryable condition.
func isLDAPCodeRetryable(code uint16) bool {
	switch code {
	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultTimeout,
		ldap.LDAPResultConnectError,
		ldap.ErrorNetwork:
		return true
	default:
		return false
	}
}

var retryablePatterns = []string{
	"connection",
	"timeout",
	"network",
	"broken pipe",
	"temporary failure",
	"server temporarily unavailable",
	"bind must be completed",
}

// isGenericErrorRetryable determines if a generic error is retryable.
func isGenericErrorRetryable(err error) bool {
	errStr := strings.ToLower(err.Error())

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

var codeMessages = map[uint16]string{
	ldap.LDAPResultOperationsError:              "LDAP operations error",
	ldap.LDAPResultProtocolError:                "LDAP protocol error",
	ldap.LDAPResultTimeLimitExceeded:            "LDAP time limit exceeded",
	ldap.LDAPResultSizeLimitExceeded:            "LDAP size limit exceeded",
	ldap.LDAPResultStrongAuthRequired:           "Strong authentication required",
	ldap.LDAPResultAdminLimitExceeded:           "Administrative limit exceeded",
	ldap.LDAPResultUnavailableCriticalExtension: "Critical extension unavailable",
	ldap.LDAPResultConfidentialityRequired:      "Confidentiality required",
	ldap.LDAPResultNoSuchAttribute:              "Requested attribute does not exist",
	ldap.LDAPResultUndefinedAttributeType:       "Attribute type is not defined",
	ldap.LDAPResultInvalidAttributeSyntax:       "Invalid attribute syntax",
	ldap.LDAPResultNoSuchObject:                 "Requested object does not exist",
	ldap.LDAPResultInvalidDNSyntax:              "Invalid DN syntax",
	ldap.LDAPResultInappropriateAuthentication:  "Inappropriate authentication method",
	ldap.LDAPResultInvalidCredentials:           "Invalid credentials",
	ldap.LDAPResultInsufficientAccessRights:     "Insufficient access rights",
	ldap.LDAPResultBusy:                         "Server is busy",
	ldap.LDAPResultUnavailable:                  "Server is unavailable",
	ldap.LDAPResultUnwillingToPerform:           "Server is unwilling to perform the operation",
	ldap.LDAPResultServerDown:                   "Server is down",
	ldap.LDAPResultTimeout:                      "Operation timed out",
	ldap.LDAPResultFilterError:                  "Invalid search filter",
	ldap.LDAPResultConnectError:                 "Connection error",
	ldap.LDAPResultNotSupported:                 "Operation not supported",
	ldap.ErrorNetwork:                           "Network error",
}

// getLDAPCodeMessage returns a human-readable message for an LDAP result code.
func getLDAPCodeMessage(code uint16) string {
	if msg, ok := codeMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("LDAP error (code %d)", code)
}

// WrapError wraps an error with operation context.
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		if ldapErr.Operation == "" {
			ldapErr.Operation = operation
		}
		return err
	}

	return NewLDAPError(operation, err)
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	return isGenericErrorRetryable(err)
}

// GetErrorCategory returns the category of an error.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Category
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return categorizeError(resultErr.ResultCode)
	}

	return categorizeGenericError(err)
}

// IsNotFoundError checks if an error indicates a "not found" condition.
func IsNotFoundError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryNotFound
}

// IsUnsupportedError checks if the server rejected a critical control it does not implement.
func IsUnsupportedError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryUnsupported
}

// IsRejectedError checks if the server refused the request as submitted.
func IsRejectedError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryRejected
}

// IsUnavailableError checks if an error means the directory could not be reached or used.
func IsUnavailableError(err error) bool {
	switch GetErrorCategory(err) {
	case ErrorCategoryConnection, ErrorCategoryServer, ErrorCategoryAuthentication, ErrorCategoryPermission:
		return true
	default:
		return false
	}
}
