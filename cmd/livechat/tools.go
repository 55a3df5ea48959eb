package main

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/lexiqai/live-gateway/internal/conversation"
)

const currentTimeFunction = "get_current_time"

// builtinTools are the functions the model may call during talk
func builtinTools() []*genai.Tool {
	return []*genai.Tool{{
		FunctionDeclarations: []*genai.FunctionDeclaration{{
			Name:        currentTimeFunction,
			Description: "Returns the current time, optionally in an IANA time zone.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"timezone": {Type: genai.TypeString, Description: "IANA zone name such as Europe/Lisbon"},
				},
			},
		}},
	}}
}

// toolHandler answers calls to builtinTools; unknown functions get an error response
func toolHandler(now func() time.Time) conversation.FunctionCallingHandler {
	return func(ctx context.Context, calls []*genai.FunctionCall) ([]*genai.FunctionResponse, error) {
		responses := make([]*genai.FunctionResponse, 0, len(calls))
		for _, call := range calls {
			resp := &genai.FunctionResponse{ID: call.ID, Name: call.Name}
			switch call.Name {
			case currentTimeFunction:
				resp.Response = currentTime(now(), call.Args)
			default:
				resp.Response = map[string]any{"error": fmt.Sprintf("unknown function %q", call.Name)}
			}
			responses = append(responses, resp)
		}
		return responses, nil
	}
}

func currentTime(t time.Time, args map[string]any) map[string]any {
	if zone, ok := args["timezone"].(string); ok && zone != "" {
		loc, err := time.LoadLocation(zone)
		if err != nil {
			return map[string]any{"error": fmt.Sprintf("unknown time zone %q", zone)}
		}
		t = t.In(loc)
	}
	return map[string]any{"time": t.Format(time.RFC3339)}
}
