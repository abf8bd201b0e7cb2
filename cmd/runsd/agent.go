package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/runwait/runtime/agent/run"
	"goa.design/runwait/runtime/agent/runtime"
)

// Tools used by the demo agent.
const (
	clockToolName   = "current_time"
	weatherToolName = "get_weather"
)

var weatherFunction = runtime.FunctionDefinition{
	Name:        weatherToolName,
	Description: "Returns the current weather for a city. Computed by the client.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"city": {"type": "string", "minLength": 1},
			"local_time": {"type": "string"}
		},
		"required": ["city"],
		"additionalProperties": false
	}`),
}

// clockTool answers current_time calls inside the server.
func clockTool(now func() time.Time) runtime.Tool {
	return runtime.ToolFunc(func(context.Context, *runtime.ExecutionContext, run.ToolCall) (string, error) {
		return now().UTC().Format(time.RFC3339), nil
	})
}

// demoAgent reads the server clock, then asks the client for the weather in
// the city named by the run metadata ("Paris" by default) and completes once
// the output is submitted.
func demoAgent() runtime.Agent {
	return runtime.AgentFunc(func(ctx context.Context, ec *runtime.ExecutionContext) error {
		rec, err := ec.Run(ctx)
		if err != nil {
			return err
		}
		city := rec.Metadata["city"]
		if city == "" {
			city = "Paris"
		}

		res, err := ec.CallTools(ctx, run.ToolCall{Type: run.ToolTypeSystem, Name: clockToolName})
		if err != nil {
			return err
		}
		args, err := json.Marshal(map[string]string{"city": city, "local_time": res[0].Output})
		if err != nil {
			return fmt.Errorf("marshal %s arguments: %w", weatherToolName, err)
		}
		_, err = ec.CallTools(ctx, run.ToolCall{
			Type:      run.ToolTypeFunction,
			Name:      weatherToolName,
			Arguments: args,
		})
		return err
	})
}
