package dto

// ErrorResponse mirrors the orchestrator error envelope for failures raised
// before a request reaches the agents.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func NewErrorResponse(kind, message string) ErrorResponse {
	return ErrorResponse{Error: ErrorBody{Kind: kind, Message: message}}
}

type EnqueueResponse struct {
	Stream  string `json:"stream"`
	ReplyTo string `json:"reply_to,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}
