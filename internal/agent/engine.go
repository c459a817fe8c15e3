package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackkroninger/agent-api/internal/auth"
	"github.com/jackkroninger/agent-api/internal/config"
	"github.com/jackkroninger/agent-api/internal/llm"
	"github.com/jackkroninger/agent-api/internal/metrics"
	"github.com/jackkroninger/agent-api/internal/models"
	"github.com/jackkroninger/agent-api/internal/trainlog"
)

// ErrToolLoopExceeded marks a turn that hit the per-turn model round-trip
// cap without the model producing final text.
var ErrToolLoopExceeded = errors.New("tool call limit reached for this turn")

// toolLoopReply is what the user sees when a turn hits the round-trip cap.
const toolLoopReply = "I wasn't able to complete that request: it required more tool calls than allowed in a single turn. Please try a simpler request."

// Model is the generation capability the engine drives.
type Model interface {
	Generate(ctx context.Context, history []models.Message, catalog []llm.ToolDef, stream llm.StreamFunc) (*llm.Reply, error)
}

// Dispatcher is the tool catalog and executor.
type Dispatcher interface {
	Catalog() []llm.ToolDef
	Dispatch(ctx context.Context, call models.ToolCallRequest, userID string) (models.ToolResult, error)
}

// TurnLog is the append-only durable message log.
type TurnLog interface {
	AppendTurn(ctx context.Context, threadID string, msgs ...models.Message) error
}

// Checkpointer records the durable per-thread checkpoint after persistence.
type Checkpointer interface {
	UpsertSessionCheckpoint(ctx context.Context, threadID, userID string, checkpointedAt time.Time) error
}

// Engine executes turns. One Engine serves all threads; per-thread turn
// serialization is the session manager's job.
type Engine struct {
	model    Model
	tools    Dispatcher
	log      TurnLog
	ckpt     Checkpointer
	training *trainlog.Logger
	stats    *metrics.Collector
	cfg      config.AgentConfig
	logger   *slog.Logger

	now       func() time.Time
	persistWG sync.WaitGroup
}

// NewEngine wires an engine. training may be nil; stats may be nil.
func NewEngine(model Model, tools Dispatcher, log TurnLog, ckpt Checkpointer, training *trainlog.Logger, stats *metrics.Collector, cfg config.AgentConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = config.DefaultMaxToolIterations
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = config.DefaultPersistTimeout
	}
	return &Engine{
		model:    model,
		tools:    tools,
		log:      log,
		ckpt:     ckpt,
		training: training,
		stats:    stats,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// RunTurn executes one turn for the given session and user utterance. Events
// arrive on the returned channel; the channel closes after the terminal
// event, and the session is not mutated after close.
//
// Cancelling ctx aborts the turn: the session history is rolled back to its
// state before the utterance and nothing is persisted.
func (e *Engine) RunTurn(ctx context.Context, session *models.Session, utterance string) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		e.runTurn(ctx, session, utterance, out)
	}()
	return out
}

func (e *Engine) runTurn(ctx context.Context, session *models.Session, utterance string, out chan<- Event) {
	start := e.now()
	base := len(session.History)

	userMsg := models.UserMessage(utterance, e.now())
	session.Append(userMsg)

	fail := func(err error) {
		// Partial output is discarded; the thread log never sees an
		// interrupted turn.
		session.History = session.History[:base]
		e.logger.Warn("turn failed",
			"thread_id", session.ThreadID, "user_id", session.UserID, "error", err)
		e.send(ctx, out, failedEvent(err))
	}

	finish := func(final models.Message) {
		session.Append(final)
		session.CheckpointedAt = final.CreatedAt
		if e.stats != nil {
			e.stats.RecordTiming(metrics.OpTurn, e.now().Sub(start))
		}
		e.persistAsync(session.ThreadID, session.UserID, userMsg, final)
		e.send(ctx, out, doneEvent(final))
	}

	catalog := e.tools.Catalog()

	for iteration := 0; iteration < e.cfg.MaxToolIterations; iteration++ {
		if ctx.Err() != nil {
			fail(ctx.Err())
			return
		}

		streamed := false
		streamFn := func(ctx context.Context, fragment string) error {
			streamed = true
			if !e.send(ctx, out, textEvent(fragment)) {
				return ctx.Err()
			}
			return nil
		}

		genStart := e.now()
		reply, err := e.model.Generate(ctx, session.History, catalog, streamFn)
		if err != nil {
			fail(fmt.Errorf("model call: %w", err))
			return
		}
		if e.stats != nil {
			e.stats.RecordModelUsage(metrics.OpModelGenerate,
				e.now().Sub(genStart), int64(reply.InputTokens), int64(reply.OutputTokens))
		}

		if len(reply.ToolCalls) == 0 {
			// Providers that buffered the whole reply never called the
			// stream function; deliver the text as a single fragment so
			// fragment concatenation always equals the final content.
			if !streamed && reply.Text != "" {
				if !e.send(ctx, out, textEvent(reply.Text)) {
					fail(ctx.Err())
					return
				}
			}
			finish(models.AssistantMessage(reply.Text, e.now()))
			return
		}

		decision := models.Message{
			Role:      models.RoleAssistant,
			Content:   reply.Text,
			CreatedAt: e.now(),
			ToolCalls: reply.ToolCalls,
		}
		session.Append(decision)

		for i, call := range reply.ToolCalls {
			if !e.send(ctx, out, Event{Kind: EventToolCallStarted, ToolCall: &call}) {
				fail(ctx.Err())
				return
			}

			toolStart := e.now()
			result, err := e.tools.Dispatch(ctx, call, session.UserID)
			if e.stats != nil {
				e.stats.RecordTiming(metrics.OpToolInvoke, e.now().Sub(toolStart))
			}
			if err != nil {
				var required *auth.AuthorizationRequiredError
				if errors.As(err, &required) {
					// The consent link is the reply; the turn ends here and
					// the exchange is logged like any other. The decision
					// message already sits in the history, so every call it
					// requested that has no result yet gets one now:
					// providers reject a history with dangling tool calls,
					// which would wedge the thread's next turn.
					for _, pending := range reply.ToolCalls[i:] {
						res := models.ToolResult{
							CallID:  pending.ID,
							Name:    pending.Name,
							Content: "authorization_pending: the user must complete the consent link before this tool can run",
							IsError: true,
						}
						session.Append(res.Message(e.now()))
					}
					msg := required.Error()
					if !e.send(ctx, out, textEvent(msg)) {
						fail(ctx.Err())
						return
					}
					finish(models.AssistantMessage(msg, e.now()))
					return
				}
				fail(fmt.Errorf("dispatch %s: %w", call.Name, err))
				return
			}

			// Results enter the in-memory history immediately, error-flagged
			// or not, so the next model call sees them.
			session.Append(result.Message(e.now()))

			if !e.send(ctx, out, Event{Kind: EventToolCallFinished, ToolResult: &result}) {
				fail(ctx.Err())
				return
			}
		}
	}

	e.logger.Warn("turn aborted",
		"thread_id", session.ThreadID, "user_id", session.UserID,
		"max_iterations", e.cfg.MaxToolIterations, "error", ErrToolLoopExceeded)
	if !e.send(ctx, out, textEvent(toolLoopReply)) {
		fail(ctx.Err())
		return
	}
	finish(models.AssistantMessage(toolLoopReply, e.now()))
}

// send delivers an event unless the turn context is cancelled.
func (e *Engine) send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
