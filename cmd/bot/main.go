package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/korjavin/gamenight/pkg/clock"
	"github.com/korjavin/gamenight/pkg/config"
	"github.com/korjavin/gamenight/pkg/logger"
	"github.com/korjavin/gamenight/pkg/materializer"
	"github.com/korjavin/gamenight/pkg/messages"
	"github.com/korjavin/gamenight/pkg/models"
	"github.com/korjavin/gamenight/pkg/openai"
	"github.com/korjavin/gamenight/pkg/reconciler"
	"github.com/korjavin/gamenight/pkg/roster"
	"github.com/korjavin/gamenight/pkg/rotation"
	"github.com/korjavin/gamenight/pkg/scheduler"
	"github.com/korjavin/gamenight/pkg/series"
	"github.com/korjavin/gamenight/pkg/stats"
	"github.com/korjavin/gamenight/pkg/storage"
	"github.com/korjavin/gamenight/pkg/telegram"
	"github.com/korjavin/gamenight/pkg/web"
)

func main() {
	log := logger.Global
	log.Info("Starting gamenight bot...")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Error("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	store, err := storage.New(cfg.DataDir)
	if err != nil {
		log.Error("Failed to initialize storage: %v", err)
		os.Exit(1)
	}
	defer store.Close()
	store.StartGCRoutine(10 * time.Minute)

	clk := clock.System{}

	// Core services
	rosterService := roster.New(store, clk)
	seriesService := series.New(store, clk)
	rotationService := rotation.New(store, rosterService, clk)
	statsService := stats.New(store, rosterService)

	var openaiClient *openai.Client
	if cfg.OpenAIAPIKey != "" {
		openaiClient = openai.New(cfg.OpenAIAPIKey, cfg.OpenAIAPIBase, cfg.OpenAIModel)
	} else {
		log.Warn("OPENAI_API_KEY not set, AI features disabled")
	}
	messageService := messages.New(statsService, rotationService, rosterService, openaiClient)

	materializerService := materializer.New(store, seriesService, rosterService, rotationService, clk, cfg.Horizon)

	// Telegram transport
	bot, err := telegram.New(cfg.BotToken)
	if err != nil {
		log.Error("Failed to initialize Telegram bot: %v", err)
		os.Exit(1)
	}
	gw := telegram.NewGateway(bot, clk)

	schedulerService := scheduler.New(store, seriesService, materializerService, gw, messageService, clk, scheduler.Options{
		TickInterval:     cfg.TickInterval,
		DispatchTimeout:  cfg.DispatchTimeout,
		MaxAttempts:      cfg.MaxAttempts,
		RetryBackoffBase: cfg.RetryBackoffBase,
		MaxBackoff:       cfg.MaxBackoff,
		Workers:          cfg.Workers,
		SessionDuration:  cfg.SessionDuration,
		TaskRetention:    cfg.TaskRetention,
	})

	reconcilerService := reconciler.New(store, rosterService, rotationService, clk)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reconcilerService.Run(ctx, gw.Responses())

	// Admin panel
	adminServer := web.New(store, seriesService, materializerService, rosterService, rotationService, statsService, schedulerService)
	go func() {
		if err := adminServer.Listen(cfg.AdminAddr); err != nil {
			log.Error("Admin panel stopped: %v", err)
		}
	}()

	schedulerService.Start()

	// seriesForChat finds the series whose destination is this chat.
	seriesForChat := func(chatID int64) *models.EventSeries {
		active, err := seriesService.ListActive()
		if err != nil {
			log.Error("Failed to list series: %v", err)
			return nil
		}
		dest := strconv.FormatInt(chatID, 10)
		for i := range active {
			if active[i].Destination == dest {
				return &active[i]
			}
		}
		return nil
	}

	// nextInstance returns the soonest upcoming occurrence of a series.
	nextInstance := func(seriesID string) *models.EventInstance {
		instances, err := materializerService.InstancesForSeries(seriesID)
		if err != nil {
			log.Error("Failed to list instances: %v", err)
			return nil
		}
		now := clk.Now()
		for i := range instances {
			in := &instances[i]
			if in.Status.Terminal() || in.ScheduledAt.Before(now) {
				continue
			}
			return in
		}
		return nil
	}

	commandHandlers := map[string]telegram.CommandHandler{
		"start": func(message *tgbotapi.Message) {
			bot.SendMessage(message.Chat.ID,
				"👋 I keep track of your game nights: I remind everyone, collect RSVPs and rotate who brings food. "+
					"An admin sets up the schedule; you just tap the buttons when I ask.")
		},
		"nextsession": func(message *tgbotapi.Message) {
			sr := seriesForChat(message.Chat.ID)
			if sr == nil {
				bot.SendMessage(message.Chat.ID, "No game night is scheduled for this chat yet.")
				return
			}
			instance := nextInstance(sr.ID)
			if instance == nil {
				bot.SendMessage(message.Chat.ID, "No upcoming session on the calendar.")
				return
			}
			when := instance.ScheduledAt
			if loc, err := time.LoadLocation(sr.Rule.Timezone); err == nil {
				when = when.In(loc)
			}
			bot.SendMessage(message.Chat.ID, fmt.Sprintf("🎲 Next %s: %s", sr.Name, when.Format("Monday, Jan 2 at 15:04")))
		},
		"attendance": func(message *tgbotapi.Message) {
			sr := seriesForChat(message.Chat.ID)
			if sr == nil {
				bot.SendMessage(message.Chat.ID, "No game night is scheduled for this chat yet.")
				return
			}
			instance := nextInstance(sr.ID)
			if instance == nil {
				bot.SendMessage(message.Chat.ID, "No upcoming session on the calendar.")
				return
			}
			summary, err := statsService.Attendance(sr.ID, instance.ID)
			if err != nil {
				log.Error("Failed to get attendance summary: %v", err)
				bot.SendMessage(message.Chat.ID, "😢 Couldn't fetch attendance right now.")
				return
			}
			text := fmt.Sprintf("✅ Coming: %d\n❌ Out: %d\n🤔 Maybe: %d\n😶 No answer: %d",
				len(summary.Yes), len(summary.No), len(summary.Maybe), len(summary.NoResponse))
			bot.SendMessage(message.Chat.ID, text)
		},
		"food": func(message *tgbotapi.Message) {
			sr := seriesForChat(message.Chat.ID)
			if sr == nil || !sr.TrackFood {
				bot.SendMessage(message.Chat.ID, "Food rotation is not tracked for this chat.")
				return
			}
			instance := nextInstance(sr.ID)
			if instance == nil {
				bot.SendMessage(message.Chat.ID, "No upcoming session on the calendar.")
				return
			}
			assignment, err := rotationService.Get(instance.ID)
			if err != nil || assignment.ParticipantID == "" {
				bot.SendMessage(message.Chat.ID, "Nobody is assigned to bring food yet.")
				return
			}
			name := assignment.ParticipantID
			if p, err := rosterService.Get(sr.ID, assignment.ParticipantID); err == nil {
				name = p.Name
			}
			bot.SendMessage(message.Chat.ID, fmt.Sprintf("🍕 %s brings food next time (%s).", name, assignment.Status))
		},
		"ask": func(message *tgbotapi.Message) {
			if openaiClient == nil {
				bot.SendMessage(message.Chat.ID, "Grug head empty, no AI configured.")
				return
			}
			question := message.CommandArguments()
			if question == "" {
				bot.SendMessage(message.Chat.ID, "Ask Grug something, like /ask what counts as flanking?")
				return
			}
			answer, err := openaiClient.AnswerQuestion(question)
			if err != nil {
				log.Error("Failed to answer question: %v", err)
				bot.SendMessage(message.Chat.ID, "😢 Grug brain hurt, try again later.")
				return
			}
			bot.SendMessage(message.Chat.ID, answer)
		},
	}

	callbackHandlers := map[string]telegram.CallbackHandler{
		"att:":  gw.HandleCallback,
		"food:": gw.HandleCallback,
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Shutting down...")
		schedulerService.Stop()
		cancel()
		adminServer.Shutdown()
		store.Close()
		logger.Sync()
		os.Exit(0)
	}()

	log.Info("Bot is now running. Press CTRL-C to exit.")
	if err := bot.Start(commandHandlers, callbackHandlers, nil); err != nil {
		log.Error("Error running bot: %v", err)
		os.Exit(1)
	}
}
