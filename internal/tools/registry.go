// Package tools provides the static tool catalog and the dispatcher that
// executes model-requested tool calls against it.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/oauth2"

	"github.com/jackkroninger/agent-api/internal/llm"
	"github.com/jackkroninger/agent-api/internal/models"
)

// CredentialGate is the credential lifecycle contract the dispatcher
// consults for capability-gated tools. Acquire resolves the token once per
// invocation; Client wraps that token without touching the store again.
type CredentialGate interface {
	Acquire(ctx context.Context, userID, provider string) (*oauth2.Token, error)
	Client(ctx context.Context, provider string, token *oauth2.Token) (*http.Client, error)
}

// Invocation carries everything a handler needs for one call. Token and
// HTTP are populated only for capability-gated tools.
type Invocation struct {
	UserID string
	Args   json.RawMessage
	Token  *oauth2.Token
	HTTP   *http.Client
}

// Handler executes one tool call and returns the serialized result content.
type Handler func(ctx context.Context, inv Invocation) (string, error)

// Spec declares one catalog entry. Parameters is the JSON schema document
// advertised to the model and enforced before every invocation.
type Spec struct {
	Name        string
	Description string
	Parameters  map[string]any

	// RequiresAuth names the delegated-authorization provider this tool is
	// gated behind; empty means ungated.
	RequiresAuth string

	Handler Handler

	schema *jsonschema.Schema
}

// Registry is the closed tool catalog. Populated at startup and read-only
// afterwards; safe for concurrent dispatch across threads.
type Registry struct {
	specs  map[string]*Spec
	order  []string
	creds  CredentialGate
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(creds CredentialGate, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		specs:  make(map[string]*Spec),
		creds:  creds,
		logger: logger,
	}
}

// Register compiles the tool's argument schema and adds it to the catalog.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" || spec.Handler == nil {
		return errors.New("tool spec requires a name and a handler")
	}
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("tool %q already registered", spec.Name)
	}

	doc, err := json.Marshal(spec.Parameters)
	if err != nil {
		return fmt.Errorf("marshal schema for %s: %w", spec.Name, err)
	}
	schema, err := jsonschema.CompileString(spec.Name+".schema.json", string(doc))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", spec.Name, err)
	}
	spec.schema = schema

	r.specs[spec.Name] = &spec
	r.order = append(r.order, spec.Name)
	return nil
}

// Catalog returns the tool definitions advertised to the model, in
// registration order.
func (r *Registry) Catalog() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		spec := r.specs[name]
		defs = append(defs, llm.ToolDef{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Parameters,
		})
	}
	return defs
}

// Dispatch executes one requested tool call for the given user.
//
// Unknown tools and schema violations come back as error-flagged results
// that re-enter the history so the model can self-correct; they never abort
// the turn. An authorization failure from the credential gate is returned
// as an error instead and terminates the turn upstream.
func (r *Registry) Dispatch(ctx context.Context, call models.ToolCallRequest, userID string) (models.ToolResult, error) {
	spec, ok := r.specs[call.Name]
	if !ok {
		r.logger.Warn("unknown tool requested", "tool", call.Name, "user_id", userID)
		return errorResult(call, KindUnknownTool,
			fmt.Sprintf("unknown tool %q", call.Name),
			"use one of the tools from the provided catalog"), nil
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return errorResult(call, KindInvalidArguments,
			fmt.Sprintf("arguments are not valid JSON: %v", err),
			"emit a JSON object matching the tool schema"), nil
	}
	if err := spec.schema.Validate(decoded); err != nil {
		return errorResult(call, KindInvalidArguments,
			fmt.Sprintf("arguments do not match schema: %v", err),
			"emit a JSON object matching the tool schema"), nil
	}

	inv := Invocation{UserID: userID, Args: args}
	if spec.RequiresAuth != "" {
		token, err := r.creds.Acquire(ctx, userID, spec.RequiresAuth)
		if err != nil {
			return models.ToolResult{}, err
		}
		client, err := r.creds.Client(ctx, spec.RequiresAuth, token)
		if err != nil {
			return models.ToolResult{}, err
		}
		inv.Token = token
		inv.HTTP = client
	}

	start := time.Now()
	content, err := spec.Handler(ctx, inv)
	if err != nil {
		r.logger.Warn("tool execution failed",
			"tool", call.Name, "user_id", userID,
			"duration_ms", time.Since(start).Milliseconds(), "error", err)
		return errorResult(call, KindExecutionFailed,
			fmt.Sprintf("tool %s failed: %v", call.Name, err), ""), nil
	}

	r.logger.Debug("tool executed",
		"tool", call.Name, "user_id", userID,
		"duration_ms", time.Since(start).Milliseconds())

	return models.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: content,
	}, nil
}
