package instance

import "fmt"

// SubmitResult is the synchronous answer to a submission attempt.
type SubmitResult struct {
	Code        int            `json:"code"`
	Description string         `json:"description"`
	TaskID      string         `json:"result,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// WithProperty attaches a property to the result and returns it for chaining.
func (r SubmitResult) WithProperty(key string, value any) SubmitResult {
	if r.Properties == nil {
		r.Properties = make(map[string]any)
	}
	r.Properties[key] = value
	return r
}

// SubmitSuccess reports immediate admission of taskID.
func SubmitSuccess(taskID string) SubmitResult {
	return SubmitResult{Code: CodeSuccess, Description: "submitted", TaskID: taskID}
}

// SubmitInQueue reports admission behind ahead other queued tasks.
func SubmitInQueue(taskID string, ahead int) SubmitResult {
	return SubmitResult{
		Code:        CodeInQueue,
		Description: fmt.Sprintf("queued, %d ahead", ahead),
		TaskID:      taskID,
	}
}

// SubmitFailure reports a rejected submission.
func SubmitFailure(description string) SubmitResult {
	return SubmitResult{Code: CodeFailure, Description: description}
}
