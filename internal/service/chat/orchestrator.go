package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/chat-relay/backend/internal/history"
	"github.com/zhouzirui/chat-relay/backend/internal/hub"
	chatmodel "github.com/zhouzirui/chat-relay/backend/internal/model/chat"
)

// Generator produces a streaming completion for an assembled conversation.
// *ai.Service satisfies it; tests substitute fakes.
type Generator interface {
	Stream(ctx context.Context, msgs []*schema.Message) (*schema.StreamReader[*schema.Message], error)
}

// Orchestrator drives one generation per accepted user message: rebuild the
// conversation from the history store, relay every produced fragment to all
// viewers as it arrives, persist the finished reply.
type Orchestrator struct {
	history   *history.Client
	hub       *hub.Hub
	generator Generator
}

// NewOrchestrator wires the orchestrator to its collaborators. generator may
// be nil when the model is not configured; generations then surface a visible
// error instead of hanging viewers.
func NewOrchestrator(historyClient *history.Client, h *hub.Hub, generator Generator) *Orchestrator {
	return &Orchestrator{
		history:   historyClient,
		hub:       h,
		generator: generator,
	}
}

// Respond runs one generation for userContent. It never returns an error:
// failures reach viewers as an error fragment, and the stream always
// terminates with a stream-end event so nobody is left in a receiving state.
//
// Concurrent generations are not serialized. A second submit while a stream
// is in flight interleaves chunk events from both, matching the accepted
// behavior of the deployment this replaces.
func (o *Orchestrator) Respond(ctx context.Context, userContent string) {
	turns := o.buildTurns(ctx, userContent)

	if o.generator == nil {
		o.fail(errors.New("generation backend not configured"))
		return
	}

	stream, err := o.generator.Stream(ctx, turns)
	if err != nil {
		o.fail(err)
		return
	}
	defer stream.Close()

	var full strings.Builder
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			// The partial reply is broadcast-only; nothing is persisted.
			o.fail(recvErr)
			return
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		full.WriteString(chunk.Content)
		o.hub.Broadcast(chatmodel.StreamChunk(chunk.Content))
	}

	o.history.Append(ctx, chatmodel.RoleAssistant, full.String())
	o.hub.Broadcast(chatmodel.StreamEnd())
	log.Printf("[chat] generation finished, length=%d", full.Len())
}

// buildTurns maps the stored history onto the model's two-role vocabulary and
// appends the current user message as the final human turn. A failed fetch
// degrades to generating without context.
func (o *Orchestrator) buildTurns(ctx context.Context, userContent string) []*schema.Message {
	records := o.history.Fetch(ctx)

	turns := make([]*schema.Message, 0, len(records)+1)
	for _, rec := range records {
		switch rec.Role {
		case chatmodel.RoleAssistant, "model":
			turns = append(turns, schema.AssistantMessage(rec.Content, nil))
		default:
			turns = append(turns, schema.UserMessage(rec.Content))
		}
	}

	return append(turns, schema.UserMessage(userContent))
}

func (o *Orchestrator) fail(err error) {
	log.Printf("[chat] generation failed: %v", err)
	o.hub.Broadcast(chatmodel.StreamChunk(fmt.Sprintf(" [Error generating response: %v]", err)))
	o.hub.Broadcast(chatmodel.StreamEnd())
}
