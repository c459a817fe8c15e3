package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// WeatherSpec returns the get_weather tool. Stub data; the invocation
// contract is the interesting part.
func WeatherSpec() Spec {
	return Spec{
		Name:        "get_weather",
		Description: "Get the weather in a city",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{
					"type":        "string",
					"description": "Name of the city. Either 'NYC' or 'LA'",
				},
			},
			"required":             []string{"city"},
			"additionalProperties": false,
		},
		Handler: getWeather,
	}
}

func getWeather(_ context.Context, inv Invocation) (string, error) {
	var args struct {
		City string `json:"city"`
	}
	if err := json.Unmarshal(inv.Args, &args); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}

	switch args.City {
	case "NYC":
		return "Sunny", nil
	case "LA":
		return "Cloudy", nil
	default:
		return "Unknown", nil
	}
}
