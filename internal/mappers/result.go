package mappers

import (
	"net/http"

	"github.com/cutekitek/rankode-exec/internal/repository/dto"
	"github.com/cutekitek/rankode-exec/internal/repository/models"
)

const internalErrorMessage = "internal error while executing the program"

// RunResultToHTTP maps a finished run to the status code and body of the /run response.
func RunResultToHTTP(result *dto.RunResult) (int, any) {
	if result.Succeeded() {
		return http.StatusOK, dto.OutputBody{Output: result.Output, Kind: string(result.Kind)}
	}
	return http.StatusInternalServerError, dto.ErrorBody{Error: result.Error, Kind: string(result.Kind)}
}

// InternalErrorToHTTP hides infrastructure details from callers.
func InternalErrorToHTTP() (int, any) {
	return http.StatusInternalServerError, dto.ErrorBody{Error: internalErrorMessage, Kind: string(models.OutcomeInternalError)}
}

func RunResultToMessage(id string, result *dto.RunResult) *dto.ExecResponseMessage {
	msg := &dto.ExecResponseMessage{Id: id, Kind: string(result.Kind)}
	if result.Succeeded() {
		msg.Output = result.Output
	} else {
		msg.Error = result.Error
	}
	return msg
}

func ErrorToMessage(id string, kind models.Outcome, text string) *dto.ExecResponseMessage {
	if kind == models.OutcomeInternalError && text == "" {
		text = internalErrorMessage
	}
	return &dto.ExecResponseMessage{Id: id, Error: text, Kind: string(kind)}
}
