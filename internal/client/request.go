package client

import (
	"errors"
	"strings"
)

const (
	defaultNum = 2
	maxNum     = 10
)

// RunRequest describes one workflow invocation.
type RunRequest struct {
	WorkflowID  string
	Input       string
	Num         int
	FeishuToken string
}

// runPayload is the JSON body sent to the stream_run endpoint.
type runPayload struct {
	WorkflowID string         `json:"workflow_id"`
	Parameters map[string]any `json:"parameters"`
}

// Validate checks the fields the workflow service requires.
func (r RunRequest) Validate() error {
	if strings.TrimSpace(r.WorkflowID) == "" {
		return errors.New("workflow id is required")
	}
	if strings.TrimSpace(r.Input) == "" {
		return errors.New("input is required")
	}
	return nil
}

// ClampNum keeps n within [1, 10]. Zero means unset and selects the default.
func ClampNum(n int) int {
	switch {
	case n == 0:
		return defaultNum
	case n < 1:
		return 1
	case n > maxNum:
		return maxNum
	default:
		return n
	}
}

// preparePayload builds the request body, omitting the feishu token when unset.
func preparePayload(r RunRequest) runPayload {
	params := make(map[string]any, 3)
	params["input"] = strings.TrimSpace(r.Input)
	params["NUM"] = ClampNum(r.Num)
	if token := strings.TrimSpace(r.FeishuToken); token != "" {
		params["feishu_token"] = token
	}

	return runPayload{
		WorkflowID: strings.TrimSpace(r.WorkflowID),
		Parameters: params,
	}
}
