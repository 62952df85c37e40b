package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 12000-12999: Project & Harness errors
// 13000-13999: Submission & Grading errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Storage errors (10250-10299)
	StorageError ErrorCode = 10250

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10303
	PayloadTooLarge    ErrorCode = 10304

	// ========== Project & Harness Errors (12000-12999) ==========

	// Project (12000-12099)
	ProjectNotFound ErrorCode = 12000
	ProgramNotFound ErrorCode = 12001

	// Harness (12100-12199)
	HarnessNotFound     ErrorCode = 12100
	HarnessCorrupt      ErrorCode = 12101
	HarnessUploadFailed ErrorCode = 12102

	// ========== Submission & Grading Errors (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound         ErrorCode = 13000
	SubmissionCreateFailed     ErrorCode = 13001
	SubmissionAlreadyCompleted ErrorCode = 13002

	// Grading (13100-13199)
	GradingQueueFull   ErrorCode = 13100
	GradingSystemError ErrorCode = 13101
	CompilationFailed  ErrorCode = 13102
	LaunchError        ErrorCode = 13103
	TimeLimitExceeded  ErrorCode = 13104
	MalformedReport    ErrorCode = 13105
	WorkspaceIOError   ErrorCode = 13106
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",

	// Cache
	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	// Storage
	StorageError: "Object storage operation failed",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",
	PayloadTooLarge:    "Payload is too large",

	// Project
	ProjectNotFound: "Project not found",
	ProgramNotFound: "Program not found",

	// Harness
	HarnessNotFound:     "Test harness not found",
	HarnessCorrupt:      "Test harness archive is corrupt",
	HarnessUploadFailed: "Failed to upload test harness",

	// Submission
	SubmissionNotFound:         "Submission not found",
	SubmissionCreateFailed:     "Failed to create submission",
	SubmissionAlreadyCompleted: "Submission is already completed",

	// Grading
	GradingQueueFull:   "Grading queue is full, please try again later",
	GradingSystemError: "Grading system error",
	CompilationFailed:  "Compilation failed",
	LaunchError:        "Failed to launch harness script",
	TimeLimitExceeded:  "Time limit exceeded",
	MalformedReport:    "Test report is malformed",
	WorkspaceIOError:   "Workspace operation failed",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == RecordNotFound, c == ProjectNotFound, c == ProgramNotFound,
		c == HarnessNotFound, c == SubmissionNotFound:
		return 404
	case c == RecordAlreadyExists, c == SubmissionAlreadyCompleted:
		return 409
	case c == PayloadTooLarge:
		return 413
	case c == HarnessCorrupt:
		return 422
	case c == TooManyRequests, c == GradingQueueFull:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams:
		return 400
	default:
		return 500
	}
}
