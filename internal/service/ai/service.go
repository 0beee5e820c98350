package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/chat-relay/backend/internal/config"
)

// Service wraps the configured chat model behind the relay's streaming call.
// The relay carries no system prompt or template: the reconstructed
// conversation is handed to the model as-is.
type Service struct {
	chatModel model.ChatModel
}

// NewService creates the generation backend from configuration.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	return &Service{chatModel: chatModel}, nil
}

// Stream starts a streaming generation over the assembled turn sequence.
func (s *Service) Stream(ctx context.Context, msgs []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	stream, err := s.chatModel.Stream(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to stream model output: %w", err)
	}
	return stream, nil
}
