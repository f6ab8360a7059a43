// chatgpt-slackbot relays Slack conversations to ChatGPT over Socket Mode.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/huluohu/chatgpt-slackbot/internal/chatgpt"
	"github.com/huluohu/chatgpt-slackbot/internal/config"
	"github.com/huluohu/chatgpt-slackbot/internal/logging"
	"github.com/huluohu/chatgpt-slackbot/internal/search"
	"github.com/huluohu/chatgpt-slackbot/internal/slackbot"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:           "chatgpt-slackbot",
		Short:         "Relay Slack conversations to a ChatGPT backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(envFile)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "env file to load before reading the environment")
	return cmd
}

func run(envFile string) error {
	// The env file is a convenience for local runs; deployments set real
	// environment variables.
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	logger := logging.NewComponent(os.Stderr, level, "slackbot")

	pool, err := chatgpt.NewPool(cfg.ProxyPool, cfg.ExtraProxy)
	if err != nil {
		return err
	}

	clients := slackbot.Clients{}
	if cfg.OpenAIAPIKey != "" {
		clients[chatgpt.ModeKey] = chatgpt.NewKeyClient(chatgpt.KeyConfig{
			APIKey: cfg.OpenAIAPIKey,
			Logger: logging.NewComponent(os.Stderr, level, "chatgpt-key"),
		})
	}
	if cfg.OpenAIAccessToken != "" {
		tokenClient, err := chatgpt.NewTokenClient(chatgpt.TokenConfig{
			AccessToken: cfg.OpenAIAccessToken,
			Pool:        pool,
			Logger:      logging.NewComponent(os.Stderr, level, "chatgpt-token"),
		})
		if err != nil {
			return err
		}
		clients[chatgpt.ModeToken] = tokenClient
	}

	var augmenter slackbot.Augmenter
	if cfg.SearchConfigured() {
		searchClient := search.NewClient(search.Config{
			APIKey: cfg.GoogleSearchKey,
			CX:     cfg.GoogleSearchCX,
		})
		augmenter = search.NewAugmenter(searchClient, logging.NewComponent(os.Stderr, level, "search"))
	} else if cfg.InternetEnabled {
		logger.Warn("INTERNET is on but search credentials are missing, augmentation disabled")
	}

	bot, err := slackbot.New(slackbot.Config{
		BotToken:          cfg.SlackBotToken,
		AppToken:          cfg.SlackAppToken,
		DefaultMode:       cfg.DefaultMode,
		InternetEnabled:   cfg.InternetEnabled,
		Timeout:           cfg.Timeout,
		SlashResetCommand: cfg.SlashResetCommand,
		Debug:             cfg.Debug,
	}, slackbot.Options{
		Clients:   clients,
		Pool:      pool,
		Augmenter: augmenter,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting in %s mode, %d proxy endpoints", cfg.DefaultMode, pool.Size())
	if err := bot.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("shutting down")
	return nil
}
