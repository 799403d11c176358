package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telegram-relay/config"
	"telegram-relay/database"
	"telegram-relay/handlers"
	"telegram-relay/logx"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	logger := logx.New(logx.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Debug:  cfg.Debug,
	})

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	db, err := database.Connect(connectCtx, cfg.MongoURI, cfg.MongoDBName, logger)
	cancel()
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		logger.Error("telegram authorization failed", "error", err)
		os.Exit(1)
	}
	bot.Debug = cfg.Debug
	logger.Info("authorized", "bot", bot.Self.UserName)

	handler := handlers.NewBotHandler(bot, db, cfg, logger)

	if err := setupCommands(bot, cfg.AdminID); err != nil {
		logger.Warn("setting bot commands failed", "error", err)
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := bot.GetUpdatesChan(updateConfig)

	go func() {
		for update := range updates {
			go handler.HandleUpdate(update)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	bot.StopReceivingUpdates()
	handler.Shutdown()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.Close(closeCtx); err != nil {
		logger.Error("closing database failed", "error", err)
	}
}

// setupCommands publishes the command menus: users only see /start, the
// operator sees the full control set.
func setupCommands(bot *tgbotapi.BotAPI, adminID int64) error {
	userScope := tgbotapi.NewBotCommandScopeAllPrivateChats()
	userCommands := tgbotapi.NewSetMyCommandsWithScope(userScope,
		tgbotapi.BotCommand{Command: "start", Description: "Start and verify"},
	)
	if _, err := bot.Request(userCommands); err != nil {
		return err
	}

	adminScope := tgbotapi.NewBotCommandScopeChat(adminID)
	adminCommands := tgbotapi.NewSetMyCommandsWithScope(adminScope,
		tgbotapi.BotCommand{Command: "start", Description: "Control panel"},
		tgbotapi.BotCommand{Command: "chat", Description: "Pick a conversation target"},
		tgbotapi.BotCommand{Command: "list", Description: "Recently verified users"},
		tgbotapi.BotCommand{Command: "blacklist", Description: "Recently banned users"},
		tgbotapi.BotCommand{Command: "status", Description: "Current target"},
		tgbotapi.BotCommand{Command: "ban", Description: "Ban a user"},
		tgbotapi.BotCommand{Command: "unban", Description: "Unban a user"},
		tgbotapi.BotCommand{Command: "count", Description: "Stats"},
		tgbotapi.BotCommand{Command: "clean", Description: "Wipe the database"},
	)
	if _, err := bot.Request(adminCommands); err != nil {
		return err
	}
	return nil
}
