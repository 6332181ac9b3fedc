package cli

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/temirov/toolstream/internal/appender"
	"github.com/temirov/toolstream/internal/config"
	"github.com/temirov/toolstream/internal/lifecycle"
	"github.com/temirov/toolstream/internal/parser"
	"github.com/temirov/toolstream/internal/services/stream"
	"github.com/temirov/toolstream/internal/store"
	"github.com/temirov/toolstream/internal/tokenizer"
	"github.com/temirov/toolstream/internal/types"
	"github.com/temirov/toolstream/internal/valve"
)

// runtimeSettings is the effective configuration after flags were applied on top of files.
type runtimeSettings struct {
	parser        parser.Options
	valve         valve.Options
	persistEvery  int
	policy        lifecycle.ServerPolicy
	tokensEnabled bool
	tokenModel    string
	storeDriver   string
	storePath     string
}

func settingsFromConfiguration(configuration config.ApplicationConfiguration) runtimeSettings {
	settings := runtimeSettings{
		persistEvery: appender.DefaultPersistEvery,
		tokenModel:   defaultTokenizerModelName,
		storeDriver:  configuration.Store.Driver,
		storePath:    configuration.Store.Path,
		policy: lifecycle.ServerPolicy{
			Servers: configuration.Authorization.ServerAutoAuthorize(),
		},
	}
	if configuration.Parser.SafeTail != nil {
		settings.parser.SafeTail = *configuration.Parser.SafeTail
	}
	if configuration.Valve.GuardWindow != nil {
		settings.valve.GuardWindow = *configuration.Valve.GuardWindow
	}
	if configuration.Valve.MaxHeld != nil {
		settings.valve.MaxHeld = *configuration.Valve.MaxHeld
		settings.parser.MaxHeld = *configuration.Valve.MaxHeld
	}
	if configuration.Appender.PersistEvery != nil {
		settings.persistEvery = *configuration.Appender.PersistEvery
	}
	if configuration.Authorization.DefaultAutoAuthorize != nil {
		settings.policy.DefaultAutoAuthorize = *configuration.Authorization.DefaultAutoAuthorize
	}
	if configuration.Tokens.Enabled != nil {
		settings.tokensEnabled = *configuration.Tokens.Enabled
	}
	if configuration.Tokens.Model != "" {
		settings.tokenModel = configuration.Tokens.Model
	}
	return settings
}

// trustServers marks every listed server as auto-authorized.
func (settings *runtimeSettings) trustServers(servers []string) {
	if len(servers) == 0 {
		return
	}
	merged := make(map[string]bool, len(settings.policy.Servers)+len(servers))
	for name, value := range settings.policy.Servers {
		merged[name] = value
	}
	for _, server := range servers {
		for _, name := range strings.Split(server, ",") {
			if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
				merged[trimmed] = true
			}
		}
	}
	settings.policy.Servers = merged
}

// toolRuntime owns the long-lived collaborators shared by every reply session.
type toolRuntime struct {
	settings runtimeSettings
	logger   *zap.Logger
	store    store.Store
	manager  *lifecycle.Manager
	counter  tokenizer.Counter
	model    string
}

func newToolRuntime(settings runtimeSettings, listener lifecycle.Listener, logger *zap.Logger) (*toolRuntime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	messageStore, err := store.Open(settings.storeDriver, settings.storePath)
	if err != nil {
		return nil, fmt.Errorf(errorOpenStoreFormat, err)
	}
	runtime := &toolRuntime{settings: settings, logger: logger, store: messageStore}
	if settings.tokensEnabled {
		counter, model, counterErr := tokenizer.NewCounter(tokenizer.Config{Model: settings.tokenModel})
		if counterErr != nil {
			_ = messageStore.Close()
			return nil, counterErr
		}
		runtime.counter = counter
		runtime.model = model
	}
	runtime.manager = lifecycle.NewManager(lifecycle.Config{
		Policy:   settings.policy,
		Listener: listener,
		Sink:     messageStore,
		Logger:   logger,
	})
	return runtime, nil
}

func (runtime *toolRuntime) newSession(ctx context.Context, messageID string, initialContent string) *stream.Session {
	return stream.NewSession(ctx, stream.SessionOptions{
		MessageID:      messageID,
		InitialContent: initialContent,
		Parser:         runtime.settings.parser,
		Valve:          runtime.settings.valve,
		PersistEvery:   runtime.settings.persistEvery,
		Sink:           runtime.store,
		Manager:        runtime.manager,
		TokenCounter:   runtime.counter,
		TokenModel:     runtime.model,
		Logger:         runtime.logger,
	})
}

func (runtime *toolRuntime) Close() error {
	return runtime.store.Close()
}

// loggingListener records card callbacks. Executing tools and prompting the user belong to
// the embedding application; the command line only reports them.
type loggingListener struct {
	logger *zap.Logger
}

func (listener loggingListener) AutoExecute(_ context.Context, card types.ToolCard) error {
	listener.logger.Info("tool call authorized",
		zap.String("cardId", card.ID),
		zap.String("messageId", card.MessageID),
		zap.String("server", card.Server),
		zap.String("tool", card.Tool))
	return nil
}

func (listener loggingListener) RequestAuthorization(_ context.Context, card types.ToolCard) error {
	listener.logger.Warn("tool call awaits authorization",
		zap.String("cardId", card.ID),
		zap.String("messageId", card.MessageID),
		zap.String("server", card.Server),
		zap.String("tool", card.Tool))
	return nil
}
