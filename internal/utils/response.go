package utils

import "time"

type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func SuccessResponse(message string, data interface{}) APIResponse {
	return APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
}

func ErrorResponse(message, error string) APIResponse {
	return APIResponse{
		Success:   false,
		Message:   message,
		Error:     error,
		Timestamp: time.Now(),
	}
}

// ConflictResponse reports contested numbers so the caller can retry with
// a reduced set.
func ConflictResponse(message, error string, numbers []int) APIResponse {
	return APIResponse{
		Success:   false,
		Message:   message,
		Error:     error,
		Data:      map[string][]int{"conflicts": numbers},
		Timestamp: time.Now(),
	}
}
