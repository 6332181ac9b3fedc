// Package cli provides the command line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/temirov/toolstream/internal/config"
	"github.com/temirov/toolstream/internal/output"
	"github.com/temirov/toolstream/internal/services/clipboard"
	"github.com/temirov/toolstream/internal/services/server"
	"github.com/temirov/toolstream/internal/services/stream"
	"github.com/temirov/toolstream/internal/utils"
)

const (
	configFlagName        = "config"
	logLevelFlagName      = "log-level"
	formatFlagName        = "format"
	chunkSizeFlagName     = "chunk-size"
	autoAuthorizeFlagName = "auto-authorize"
	tokensFlagName        = "tokens"
	modelFlagName         = "model"
	copyFlagName          = "copy"
	messageIDFlagName     = "message-id"
	storeFlagName         = "store"
	summaryFlagName       = "summary"
	thinkingFlagName      = "thinking"
	addressFlagName       = "address"
	globalFlagName        = "global"
	forceFlagName         = "force"

	versionTemplate      = "toolstream version: {{.Version}}\n"
	rootUse              = "toolstream"
	rootShortDescription = "toolstream command line interface"
	rootLongDescription  = `toolstream parses streamed model replies.
It separates visible text from thinking segments, hides tool invocation syntax while it streams,
and turns the first invocation of a reply into a tool call card.`

	parseUse              = "parse [file]"
	parseAlias            = "p"
	parseShortDescription = "parse a reply from a file or stdin (" + parseAlias + ")"
	parseLongDescription  = `Replay a stored reply through the streaming parser in fixed-size chunks.
Use --format to select raw, json, or xml output and --auto-authorize to trust a server.`
	parseUsageExample = `  # Parse a reply and print the visible text
  toolstream parse reply.txt

  # Emit wire events as JSON, trusting the fs server
  cat reply.txt | toolstream parse --format json --auto-authorize fs`

	serveUse              = "serve"
	serveShortDescription = "serve the parse and clean commands over HTTP"
	serveLongDescription  = `Start an HTTP server exposing GET /capabilities and POST /commands/{name}.
Commands: parse, clean, authorize, deny.`

	initUse              = "init"
	initShortDescription = "write a default configuration file"

	configFlagDescription        = "configuration file (defaults to " + config.LocalConfigFileName + " in the working directory)"
	logLevelFlagDescription      = "log level: debug, info, warn, error"
	formatFlagDescription        = "output format: raw, json, or xml"
	chunkSizeFlagDescription     = "bytes per replayed chunk"
	autoAuthorizeFlagDescription = "server allowed to run without authorization (repeatable)"
	tokensFlagDescription        = "count tokens of the visible text"
	modelFlagDescription         = "tokenizer model to use for token counting"
	copyFlagDescription          = "copy the visible text to the clipboard"
	messageIDFlagDescription     = "message identifier (random when empty)"
	storeFlagDescription         = "SQLite database file for messages and card events"
	summaryFlagDescription       = "print the reply summary"
	thinkingFlagDescription      = "print thinking segments to stderr"
	addressFlagDescription       = "listen address"
	globalFlagDescription        = "write the global configuration instead of the local one"
	forceFlagDescription         = "overwrite an existing configuration file"

	defaultTokenizerModelName = "gpt-4o"
	defaultLogLevel           = "warn"
	defaultServeAddress       = "127.0.0.1:8765"

	invalidFormatMessage       = "invalid format value '%s'"
	invalidChunkSizeMessage    = "chunk size must be positive, got %d"
	errorOpenStoreFormat       = "open store: %w"
	errorOpenInputFormat       = "open reply %s: %w"
	errorLoadConfigFormat      = "load configuration: %w"
	errorCreateLoggerFormat    = "create logger: %w"
	warningCopyFailedFormat    = "Warning: failed to copy to clipboard: %v\n"
	serverListeningFormat      = "listening on http://%s\n"
	configurationWrittenFormat = "configuration written to %s\n"
)

// newClipboardCopier is replaced in tests.
var newClipboardCopier = func() clipboard.Copier {
	return clipboard.NewService()
}

// Execute runs the toolstream application.
func Execute() error {
	rootCommand := createRootCommand()
	rootCommand.SetArgs(normalizeBooleanFlagArguments(rootCommand, os.Args[1:]))
	return rootCommand.Execute()
}

// applicationState carries what the root command resolved for its subcommands.
type applicationState struct {
	configPath    string
	logLevel      string
	configuration config.ApplicationConfiguration
	logger        *zap.Logger
}

// createRootCommand builds the root Cobra command.
func createRootCommand() *cobra.Command {
	state := &applicationState{}

	rootCommand := &cobra.Command{
		Use:          rootUse,
		Short:        rootShortDescription,
		Long:         rootLongDescription,
		Version:      utils.GetApplicationVersion(),
		SilenceUsage: true,
		RunE: func(command *cobra.Command, arguments []string) error {
			return command.Help()
		},
		PersistentPreRunE: func(command *cobra.Command, arguments []string) error {
			return state.load()
		},
		PersistentPostRun: func(command *cobra.Command, arguments []string) {
			if state.logger != nil {
				_ = state.logger.Sync()
			}
		},
	}
	rootCommand.SetVersionTemplate(versionTemplate)
	rootCommand.PersistentFlags().StringVar(&state.configPath, configFlagName, "", configFlagDescription)
	rootCommand.PersistentFlags().StringVar(&state.logLevel, logLevelFlagName, defaultLogLevel, logLevelFlagDescription)
	rootCommand.AddCommand(
		createParseCommand(state),
		createServeCommand(state),
		createInitCommand(),
	)
	rootCommand.InitDefaultHelpCmd()
	rootCommand.InitDefaultCompletionCmd()
	return rootCommand
}

func (state *applicationState) load() error {
	configuration, err := config.LoadApplicationConfiguration(config.LoadOptions{ExplicitFilePath: state.configPath})
	if err != nil {
		return fmt.Errorf(errorLoadConfigFormat, err)
	}
	state.configuration = configuration
	logger, err := utils.NewApplicationLogger(state.logLevel)
	if err != nil {
		return fmt.Errorf(errorCreateLoggerFormat, err)
	}
	state.logger = logger
	return nil
}

// sessionFlags are the runtime overrides shared by parse and serve.
type sessionFlags struct {
	autoAuthorize []string
	tokens        bool
	model         string
	storePath     string
}

func addSessionFlags(command *cobra.Command, flags *sessionFlags) {
	command.Flags().StringArrayVar(&flags.autoAuthorize, autoAuthorizeFlagName, nil, autoAuthorizeFlagDescription)
	registerBooleanFlag(command.Flags(), &flags.tokens, tokensFlagName, false, tokensFlagDescription)
	command.Flags().StringVar(&flags.model, modelFlagName, defaultTokenizerModelName, modelFlagDescription)
	command.Flags().StringVar(&flags.storePath, storeFlagName, "", storeFlagDescription)
}

// resolveSettings overlays explicitly set flags on the loaded configuration.
func resolveSettings(command *cobra.Command, configuration config.ApplicationConfiguration, flags sessionFlags) runtimeSettings {
	settings := settingsFromConfiguration(configuration)
	settings.trustServers(flags.autoAuthorize)
	if command.Flags().Changed(tokensFlagName) {
		settings.tokensEnabled = flags.tokens
	}
	if command.Flags().Changed(modelFlagName) {
		settings.tokenModel = flags.model
	}
	if command.Flags().Changed(storeFlagName) && flags.storePath != "" {
		settings.storeDriver = config.StoreDriverSQLite
		settings.storePath = flags.storePath
	}
	return settings
}

type parseOptions struct {
	session   sessionFlags
	format    string
	chunkSize int
	copy      bool
	messageID string
	summary   bool
	thinking  bool
}

// createParseCommand returns the parse subcommand.
func createParseCommand(state *applicationState) *cobra.Command {
	options := parseOptions{format: output.FormatRaw, chunkSize: stream.DefaultChunkSize}

	parseCommand := &cobra.Command{
		Use:     parseUse,
		Aliases: []string{parseAlias},
		Short:   parseShortDescription,
		Long:    parseLongDescription,
		Example: parseUsageExample,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			format := strings.ToLower(options.format)
			if !isSupportedFormat(format) {
				return fmt.Errorf(invalidFormatMessage, format)
			}
			if options.chunkSize <= 0 {
				return fmt.Errorf(invalidChunkSizeMessage, options.chunkSize)
			}
			options.format = format
			settings := resolveSettings(command, state.configuration, options.session)
			input, closeInput, err := openReply(command, arguments)
			if err != nil {
				return err
			}
			defer closeInput()
			return runParse(command.Context(), command.OutOrStdout(), command.ErrOrStderr(), input, settings, options, state.logger)
		},
	}

	addSessionFlags(parseCommand, &options.session)
	parseCommand.Flags().StringVar(&options.format, formatFlagName, output.FormatRaw, formatFlagDescription)
	parseCommand.Flags().IntVar(&options.chunkSize, chunkSizeFlagName, stream.DefaultChunkSize, chunkSizeFlagDescription)
	parseCommand.Flags().StringVar(&options.messageID, messageIDFlagName, "", messageIDFlagDescription)
	registerBooleanFlag(parseCommand.Flags(), &options.copy, copyFlagName, false, copyFlagDescription)
	registerBooleanFlag(parseCommand.Flags(), &options.summary, summaryFlagName, true, summaryFlagDescription)
	registerBooleanFlag(parseCommand.Flags(), &options.thinking, thinkingFlagName, false, thinkingFlagDescription)
	return parseCommand
}

func isSupportedFormat(format string) bool {
	switch format {
	case output.FormatRaw, output.FormatJSON, output.FormatXML:
		return true
	default:
		return false
	}
}

func openReply(command *cobra.Command, arguments []string) (io.Reader, func(), error) {
	if len(arguments) == 0 || arguments[0] == "-" {
		return command.InOrStdin(), func() {}, nil
	}
	file, err := os.Open(arguments[0])
	if err != nil {
		return nil, nil, fmt.Errorf(errorOpenInputFormat, arguments[0], err)
	}
	return file, func() { _ = file.Close() }, nil
}

// runParse replays input through one session while the lifecycle manager delivers card
// callbacks and events in the background.
func runParse(
	ctx context.Context,
	stdout io.Writer,
	stderr io.Writer,
	input io.Reader,
	settings runtimeSettings,
	options parseOptions,
	logger *zap.Logger,
) (err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	runtime, err := newToolRuntime(settings, loggingListener{logger: logger}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := runtime.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	renderer, err := output.NewStreamRenderer(options.format, stdout, stderr, output.RendererOptions{
		IncludeSummary:  options.summary,
		IncludeThinking: options.thinking,
	})
	if err != nil {
		return err
	}

	messageID := options.messageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return runtime.manager.Run(groupCtx)
	})

	var visible strings.Builder
	session := runtime.newSession(groupCtx, messageID, "")
	streamErr := dispatchStream(groupCtx,
		func(streamCtx context.Context, events chan<- stream.Event) error {
			return stream.StreamReply(streamCtx, session, stream.ReplayOptions{Reader: input, ChunkSize: options.chunkSize}, events)
		},
		func(event stream.Event) error {
			if event.Kind == stream.EventKindContent {
				visible.WriteString(event.Text)
			}
			return renderer.Handle(event)
		},
	)
	runtime.manager.Close()
	if waitErr := group.Wait(); waitErr != nil && !errors.Is(waitErr, context.Canceled) && streamErr == nil {
		streamErr = waitErr
	}
	if flushErr := renderer.Flush(); flushErr != nil && streamErr == nil {
		streamErr = flushErr
	}
	if streamErr != nil {
		return streamErr
	}

	if options.copy {
		if copyErr := newClipboardCopier().Copy(visible.String()); copyErr != nil {
			fmt.Fprintf(stderr, warningCopyFailedFormat, copyErr)
		}
	}
	return nil
}

func dispatchStream(
	ctx context.Context,
	produce func(context.Context, chan<- stream.Event) error,
	consume func(stream.Event) error,
) error {
	group, streamCtx := errgroup.WithContext(ctx)
	events := make(chan stream.Event)

	group.Go(func() error {
		defer close(events)
		return produce(streamCtx, events)
	})

	group.Go(func() error {
		for {
			select {
			case <-streamCtx.Done():
				return streamCtx.Err()
			case event, ok := <-events:
				if !ok {
					return nil
				}
				if err := consume(event); err != nil {
					return err
				}
			}
		}
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createServeCommand returns the serve subcommand.
func createServeCommand(state *applicationState) *cobra.Command {
	var flags sessionFlags
	var address string

	serveCommand := &cobra.Command{
		Use:   serveUse,
		Short: serveShortDescription,
		Long:  serveLongDescription,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			settings := resolveSettings(command, state.configuration, flags)
			listenAddress := address
			if !command.Flags().Changed(addressFlagName) && state.configuration.Server.Address != "" {
				listenAddress = state.configuration.Server.Address
			}
			ctx, stop := signal.NotifyContext(command.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, command.OutOrStdout(), listenAddress, settings, state.logger, nil)
		},
	}
	addSessionFlags(serveCommand, &flags)
	serveCommand.Flags().StringVar(&address, addressFlagName, defaultServeAddress, addressFlagDescription)
	return serveCommand
}

func runServe(
	ctx context.Context,
	stdout io.Writer,
	address string,
	settings runtimeSettings,
	logger *zap.Logger,
	notify func(string),
) (err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	runtime, err := newToolRuntime(settings, loggingListener{logger: logger}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := runtime.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	httpServer := server.NewServer(server.Config{
		Address:      address,
		Capabilities: server.DefaultCapabilities(true),
		Executors:    server.NewExecutors(runtime.newSession, runtime.manager),
		Logger:       logger,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return runtime.manager.Run(groupCtx)
	})
	group.Go(func() error {
		defer runtime.manager.Close()
		return httpServer.Run(groupCtx, func(boundAddress string) {
			fmt.Fprintf(stdout, serverListeningFormat, boundAddress)
			if notify != nil {
				notify(boundAddress)
			}
		})
	})
	if waitErr := group.Wait(); waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

// createInitCommand returns the init subcommand.
func createInitCommand() *cobra.Command {
	var global bool
	var force bool

	initCommand := &cobra.Command{
		Use:   initUse,
		Short: initShortDescription,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			target := config.InitTargetLocal
			if global {
				target = config.InitTargetGlobal
			}
			path, err := config.InitializeConfiguration(config.InitOptions{Target: target, Force: force})
			if err != nil {
				return err
			}
			fmt.Fprintf(command.OutOrStdout(), configurationWrittenFormat, path)
			return nil
		},
	}
	registerBooleanFlag(initCommand.Flags(), &global, globalFlagName, false, globalFlagDescription)
	registerBooleanFlag(initCommand.Flags(), &force, forceFlagName, false, forceFlagDescription)
	return initCommand
}
