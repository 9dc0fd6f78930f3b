package validation

type Mode string

const (
	ModePartial Mode = "partial"
	ModeFull    Mode = "full"
)

type Code string

const (
	CodeRequired      Code = "required"
	CodeInvalidType   Code = "invalid_type"
	CodeInvalidFormat Code = "invalid_format"
	CodeInvalidValue  Code = "invalid_value"
	CodeTooShort      Code = "too_short"
	CodeTooLong       Code = "too_long"
	CodeOutOfRange    Code = "out_of_range"
	CodeFileRequired  Code = "file_required"
	CodeUploadPending Code = "upload_pending"
	CodeUploadFailed  Code = "upload_failed"
	CodeFileTooLarge  Code = "file_too_large"
	CodeFileWrongType Code = "file_wrong_type"
)

type FieldError struct {
	Field   string `json:"field"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

type ActionKind string

const (
	ActionCollectField  ActionKind = "collect_field"
	ActionSelectOption  ActionKind = "select_option"
	ActionAdjustValue   ActionKind = "adjust_value"
	ActionRequestUpload ActionKind = "request_upload"
	ActionConfirmUpload ActionKind = "confirm_upload"
)

// NextAction tells the caller what to do about one field.
type NextAction struct {
	Action      ActionKind     `json:"action"`
	Field       string         `json:"field"`
	Hint        string         `json:"hint,omitempty"`
	Options     []any          `json:"options,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty"`
}

type Result struct {
	Valid         bool         `json:"valid"`
	Errors        []FieldError `json:"errors"`
	NextActions   []NextAction `json:"nextActions"`
	MissingFields []string     `json:"missingFields"`
	InvalidFields []string     `json:"invalidFields"`
}

// OnlyUploadErrors reports whether every error concerns a file field.
func (r Result) OnlyUploadErrors() bool {
	if len(r.Errors) == 0 {
		return false
	}
	for _, e := range r.Errors {
		if !e.Code.upload() {
			return false
		}
	}
	return true
}

func (c Code) upload() bool {
	switch c {
	case CodeFileRequired, CodeUploadPending, CodeUploadFailed, CodeFileTooLarge, CodeFileWrongType:
		return true
	default:
		return false
	}
}

func (c Code) missing() bool { return c == CodeRequired || c == CodeFileRequired }

type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
)

// UploadState is the latest upload known for a file field.
type UploadState struct {
	Status    UploadStatus
	SizeBytes int64
	MimeType  string
	Error     string
}
