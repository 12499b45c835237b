// Package einollm streams chat completions through the eino OpenAI chat model.
// It is the alternative generation backend to the Responses API client and
// exposes the same StreamText shape.
package einollm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/schema"

	"github.com/yungbote/appforge-backend/internal/observability"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

type Streamer struct {
	log *logger.Logger
	cfg Config

	mu     sync.Mutex
	models map[string]*openai.ChatModel
}

func New(log *logger.Logger, cfg Config) (*Streamer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("einollm: api key required")
	}
	if strings.TrimSpace(cfg.DefaultModel) == "" {
		cfg.DefaultModel = "gpt-4.1-mini"
	}
	return &Streamer{
		log:    log.With("service", "EinoStreamer"),
		cfg:    cfg,
		models: map[string]*openai.ChatModel{},
	}, nil
}

func (s *Streamer) chatModel(ctx context.Context, name string) (*openai.ChatModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.models[name]; ok {
		return m, nil
	}
	m, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:  s.cfg.APIKey,
		BaseURL: s.cfg.BaseURL,
		Model:   name,
		Timeout: s.cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	s.models[name] = m
	return m, nil
}

func (s *Streamer) StreamText(ctx context.Context, model, system, user string, onDelta func(delta string)) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		model = s.cfg.DefaultModel
	}
	start := time.Now()
	cm, err := s.chatModel(ctx, model)
	if err != nil {
		return "", err
	}
	reader, err := cm.Stream(ctx, []*schema.Message{
		schema.SystemMessage(strings.TrimSpace(system)),
		schema.UserMessage(user),
	})
	if err != nil {
		observability.Current().ObserveLLMRequest(model, "eino.chat", "error", time.Since(start), 0, 0)
		return "", err
	}
	if reader == nil {
		return "", fmt.Errorf("einollm: nil stream reader")
	}
	defer reader.Close()

	var full strings.Builder
	for {
		msg, recvErr := reader.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				break
			}
			observability.Current().ObserveLLMRequest(model, "eino.chat", "error", time.Since(start), 0, 0)
			return "", recvErr
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		full.WriteString(msg.Content)
		if onDelta != nil {
			onDelta(msg.Content)
		}
	}
	observability.Current().ObserveLLMRequest(model, "eino.chat", "ok", time.Since(start), 0, 0)
	if full.Len() == 0 {
		s.log.Warn("eino stream produced no content", "model", model)
	}
	return full.String(), nil
}
