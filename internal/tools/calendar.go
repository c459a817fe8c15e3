package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ProviderGoogleCalendar is the delegated-authorization provider name the
// calendar tool is gated behind.
const ProviderGoogleCalendar = "google_calendar"

const calendarEventsURL = "https://www.googleapis.com/calendar/v3/calendars/primary/events"

const calendarMaxResults = 20

// CalendarSpec returns the list_calendar_events tool. Capability-gated:
// dispatch acquires a valid delegated credential first, and the handler
// receives the authorized HTTP client.
func CalendarSpec() Spec {
	return Spec{
		Name:        "list_calendar_events",
		Description: "List the user's upcoming Google Calendar events",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"time_min": map[string]any{
					"type":        "string",
					"description": "RFC 3339 lower bound for event start time; defaults to now",
				},
			},
			"additionalProperties": false,
		},
		RequiresAuth: ProviderGoogleCalendar,
		Handler:      listCalendarEvents,
	}
}

func listCalendarEvents(ctx context.Context, inv Invocation) (string, error) {
	var args struct {
		TimeMin string `json:"time_min"`
	}
	if err := json.Unmarshal(inv.Args, &args); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	if args.TimeMin == "" {
		args.TimeMin = time.Now().UTC().Format(time.RFC3339)
	}

	query := url.Values{}
	query.Set("maxResults", strconv.Itoa(calendarMaxResults))
	query.Set("singleEvents", "true")
	query.Set("orderBy", "startTime")
	query.Set("timeMin", args.TimeMin)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, calendarEventsURL+"?"+query.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build events request: %w", err)
	}

	resp, err := inv.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("list events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return "", fmt.Errorf("list events failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Items []struct {
			Summary string `json:"summary"`
			Start   struct {
				DateTime string `json:"dateTime"`
				Date     string `json:"date"`
			} `json:"start"`
		} `json:"items"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode events response: %w", err)
	}

	if len(payload.Items) == 0 {
		return "No upcoming events.", nil
	}

	lines := make([]string, 0, len(payload.Items))
	for _, event := range payload.Items {
		start := event.Start.DateTime
		if start == "" {
			start = event.Start.Date
		}
		lines = append(lines, fmt.Sprintf("%s - %s", start, event.Summary))
	}
	return strings.Join(lines, "\n"), nil
}
