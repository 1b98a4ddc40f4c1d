// Package main provides the bot entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/alecthomas/kingpin/v2"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	apiconnect "github.com/osa030/discobox/internal/api/connect"
	"github.com/osa030/discobox/internal/api/dashboard"
	apidiscord "github.com/osa030/discobox/internal/api/discord"
	"github.com/osa030/discobox/internal/api/socket"
	"github.com/osa030/discobox/internal/app/chat"
	"github.com/osa030/discobox/internal/app/events"
	"github.com/osa030/discobox/internal/app/filter"
	"github.com/osa030/discobox/internal/app/music"
	"github.com/osa030/discobox/internal/app/playback"
	"github.com/osa030/discobox/internal/app/streaming"
	"github.com/osa030/discobox/internal/app/suggest"
	"github.com/osa030/discobox/internal/infra/config"
	infradiscord "github.com/osa030/discobox/internal/infra/discord"
	"github.com/osa030/discobox/internal/infra/gemini"
	"github.com/osa030/discobox/internal/infra/logger"
	"github.com/osa030/discobox/internal/infra/relay"
	"github.com/osa030/discobox/internal/infra/spotify"
	"github.com/osa030/discobox/internal/infra/store"
	"github.com/osa030/discobox/internal/infra/ytdlp"
)

var (
	app        = kingpin.New("discobox-bot", "discobox Discord bot")
	configPath = app.Flag("config", "Path to config file").Default("config/bot.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: from config)").String()

	// list-filters command
	listFiltersCmd = app.Command("list-filters", "List available filters and exit")
)

func init() {
	// start command (default) - no need to store the command
	app.Command("start", "Start the bot (default)").Default()
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == listFiltersCmd.FullCommand() {
		printFilters()
		return
	}

	// Console logging until the config is read
	if err := logger.Init(logger.Config{Output: "stdout", Level: "info"}); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	// Command-line flags override the configured logger
	loggerConfig := logger.Config{
		Output: cfg.Log.Output,
		Level:  cfg.Log.Level,
		File:   cfg.Log.File,
	}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
		loggerConfig.File = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		zlog.Fatal().Msgf("Failed to initialize logger: %v", err)
	}

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Bot error: %v", err)
		os.Exit(1)
	}
}

// run executes the main bot logic. Using a separate function ensures
// defer statements are executed even when returning with an error.
func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(store.Config{
		Driver:          cfg.Database.Driver,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DBName:          cfg.Database.Name,
		SSLMode:         cfg.Database.SSLMode,
		FilePath:        cfg.Database.FilePath,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetimeMin) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	bus := events.NewBroadcaster(events.Config{BufferSize: cfg.Events.BufferSize})
	defer bus.Close()

	if cfg.Redis.Enabled {
		ps, err := relay.NewRedisPubSub(ctx, relay.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("failed to start event relay: %w", err)
		}
		defer ps.Close()
		go relay.New(bus, ps, cfg.Redis.Channel).Run(ctx)
		zlog.Info().Msgf("Event relay enabled: addr=%s channel=%s", cfg.Redis.Addr, cfg.Redis.Channel)
	}

	resolver := ytdlp.New(ytdlp.Config{
		Path:  cfg.Music.YtdlpPath,
		Proxy: cfg.Music.YtdlpProxy,
	})

	gem := gemini.New(gemini.Config{
		APIKey:  cfg.Gemini.APIKey,
		BaseURL: cfg.Gemini.BaseURL,
		Timeout: time.Duration(cfg.Gemini.TimeoutSec) * time.Second,
	})
	if !gem.Enabled() {
		zlog.Warn().Msg("Gemini API key not configured, AI replies are disabled")
	}

	// Spotify is optional: without credentials links are resolved by yt-dlp as-is
	var links music.LinkExpander
	var searcher suggest.Searcher
	if cfg.Spotify.Enabled() {
		sp, err := spotify.New(ctx, spotify.Config{
			ClientID:     cfg.Spotify.ClientID,
			ClientSecret: cfg.Spotify.ClientSecret,
			Market:       cfg.Spotify.Market,
		})
		if err != nil {
			return fmt.Errorf("failed to create Spotify client: %w", err)
		}
		links = sp
		searcher = sp
	}

	suggester, err := suggest.NewChainFromConfig(cfg, suggest.Deps{Asker: gem, Searcher: searcher})
	if err != nil {
		return fmt.Errorf("failed to create suggest chain: %w", err)
	}

	client, err := infradiscord.NewClient(cfg.Discord.Token)
	if err != nil {
		return err
	}

	voice := infradiscord.NewVoice(client, resolver, st, bus, infradiscord.VoiceConfig{
		ChannelName: cfg.Discord.MusicChannelName,
		FFmpegPath:  cfg.Discord.FFmpegPath,
	})

	engine := playback.NewEngine(voice, st, bus, voice, playback.Config{IdleGrace: cfg.Playback.IdleGrace()})
	defer engine.Close()

	musicSvc, err := music.NewService(music.Deps{
		Resolver:  resolver,
		Links:     links,
		Suggester: suggester,
		Extractor: suggest.NewKeywordExtractor(gem, cfg.Gemini.CheapModel),
		Player:    engine,
		Store:     st,
		Connector: voice,
	}, music.Config{
		Triggers: cfg.Music.Triggers,
		Filters:  cfg.Music.Filters,
	})
	if err != nil {
		return fmt.Errorf("failed to create music service: %w", err)
	}

	chatSvc := chat.NewService(gem, st, bus, chat.Config{
		HistorySize:      cfg.Chat.HistorySize,
		SummarizeAt:      cfg.Chat.SummarizeAt,
		MaxTokens:        cfg.Chat.MaxTokens,
		DefaultMode:      cfg.Chat.DefaultMode,
		CheapModel:       cfg.Gemini.CheapModel,
		HighModel:        cfg.Gemini.HighModel,
		PausedReplyText:  cfg.Chat.PausedReplyText,
		GreetingTemplate: cfg.Chat.GreetingTemplate,
		FarewellText:     cfg.Chat.FarewellText,
	})

	// Remote control from the dashboard, socket clients and relayed nodes
	bus.RegisterHandler(musicSvc.HandleControl)

	client.EventManager.AddEventListeners(apidiscord.NewHandler(musicSvc, chatSvc, st, voice, cfg))
	if err := apidiscord.SyncCommands(client, cfg.Discord.CommandGuildID); err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}
	if err := infradiscord.Open(ctx, client); err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		client.Close(closeCtx)
	}()

	if err := musicSvc.RestoreAll(ctx); err != nil {
		zlog.Warn().Err(err).Msg("Failed to restore queues")
	}

	streams := streaming.NewManager(resolver, streaming.HTTPFetcher{}, streaming.Config{
		ChunkSize:      cfg.Streaming.ChunkSize,
		QueueSize:      cfg.Streaming.QueueSize,
		ResolveTimeout: time.Duration(cfg.Streaming.ResolveTimeoutSec) * time.Second,
	})
	defer streams.Close()

	hub := socket.NewHub(bus)

	gin.SetMode(gin.ReleaseMode)
	dash := dashboard.NewServer(dashboard.Deps{
		Bus:           bus,
		Player:        engine,
		Tracks:        st,
		Streams:       streams,
		Channels:      chatSvc,
		Records:       st,
		Socket:        hub,
		DefaultPrompt: cfg.Music.DefaultPrompt,
	})

	controlPath, controlHandler := apiconnect.NewControlServiceHandler(
		apiconnect.NewControlService(musicSvc, bus, cfg),
		connect.WithInterceptors(apiconnect.NewAdminAuthInterceptor(cfg.Server.AdminToken)),
	)

	mux := http.NewServeMux()
	mux.Handle(controlPath, controlHandler)
	mux.Handle("/", dash.Router())

	// Create server with h2c (HTTP/2 cleartext) support
	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: h2c.NewHandler(mux, &http2.Server{}),
	}

	serverErrCh := make(chan error, 1)
	go func() {
		zlog.Info().Msgf("Starting server: addr=%s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	executeHooks(cfg.Server.Hooks.OnStarted, "on_started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		zlog.Info().Msg("Received shutdown signal...")
	case err := <-serverErrCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// End long-lived streams first so Shutdown does not wait on them
	hub.Close()
	bus.Close()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Msgf("Failed to shutdown server: %v", err)
	}

	zlog.Info().Msg("Bot stopped")

	executeHooks(cfg.Server.Hooks.OnStopped, "on_stopped")

	return nil
}

// printFilters prints available filters.
func printFilters() {
	fmt.Println("Available Filters:")
	for name, factory := range filter.GetRegistered() {
		f := factory(nil)
		codes := strings.Join(f.ReturnCodes(), ", ")
		fmt.Printf("  %-30s - %s [codes: %s]\n", name, f.Description(), codes)
	}
}

// executeHooks runs a list of shell commands.
func executeHooks(hooks []string, stage string) {
	if len(hooks) == 0 {
		return
	}

	zlog.Info().Msgf("Executing %s hooks (%d commands)", stage, len(hooks))

	for _, hook := range hooks {
		zlog.Info().Msgf("Executing hook: %s", hook)
		// Use sh -c to allow shell features like redirection or pipes
		cmd := exec.Command("sh", "-c", hook)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			zlog.Error().Err(err).Msgf("Failed to execute hook: %s", hook)
		}
	}
}
