package dto

// ExecRequestMessage is the queue payload accepted by the AMQP and SQS transports.
// Input is a pointer so an empty payload is distinguishable from a missing one.
type ExecRequestMessage struct {
	Id        string  `json:"id"`
	Language  string  `json:"language"`
	Code      string  `json:"code"`
	Input     *string `json:"input,omitempty"`
	InputFile string  `json:"input_file,omitempty"`
}

type ExecResponseMessage struct {
	Id     string `json:"id"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"kind"`
}

// HTTP bodies.
type RunBody struct {
	Language *string `json:"language" binding:"required,min=1,oneof=c cpp java python"`
	Code     *string `json:"code" binding:"required,min=1"`
	Input    *string `json:"input" binding:"required"`
}

type OutputBody struct {
	Output string `json:"output"`
	Kind   string `json:"kind"`
}

type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
