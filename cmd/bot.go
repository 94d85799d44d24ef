package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"

	"reelfetch/internal"
	"reelfetch/utils"
)

const (
	botGreeting    = "👋 Send me an Instagram Reels link and I'll download the video for you."
	botInvalidLink = "❌ Please send a valid Instagram Reels link"
	botStarting    = "⏳ Starting download..."
	botSending     = "✅ Download complete, sending video..."
	botBusy        = "⏳ Your previous download is still running, please wait."
)

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Run the Telegram bot",
	Long: `Run a Telegram bot that answers reel links with the video.

The bot token is read from REELFETCH_TELEGRAM_TOKEN or the telegram_token
option of the configuration file. Each user has at most one download in flight.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if config.TelegramToken == "" {
			return internal.NewValidationError("telegram_token", "a bot token is required").
				WithSuggestion("Set REELFETCH_TELEGRAM_TOKEN")
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runBot(ctx)
	},
}

// retriever is the part of the engine the bot needs
type retriever interface {
	Retrieve(ctx context.Context, req internal.RetrievalRequest, consume func(*internal.RetrievedFile) error) error
}

// sender is the part of the Telegram API the bot needs
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// reelBot answers chat messages. Requests run concurrently across users but
// never more than one per user.
type reelBot struct {
	api       sender
	engine    retriever
	validator *utils.URLValidator

	mutex    sync.Mutex
	inflight map[int64]bool
	wg       sync.WaitGroup
}

func newReelBot(api sender, engine retriever, validator *utils.URLValidator) *reelBot {
	return &reelBot{
		api:       api,
		engine:    engine,
		validator: validator,
		inflight:  make(map[int64]bool),
	}
}

func runBot(ctx context.Context) error {
	engine, err := newEngine(nil)
	if err != nil {
		return err
	}

	api, err := tgbotapi.NewBotAPI(config.TelegramToken)
	if err != nil {
		return fmt.Errorf("failed to connect to Telegram: %w", err)
	}
	internal.LogInfo("Bot authorized as @%s", api.Self.UserName)

	bot := newReelBot(api, engine, utils.NewURLValidator(config.AllowedDomains...))

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	updates := api.GetUpdatesChan(updateConfig)

	for {
		select {
		case <-ctx.Done():
			internal.LogInfo("Stopping bot, waiting for running downloads")
			api.StopReceivingUpdates()
			bot.wait()
			return nil
		case update, ok := <-updates:
			if !ok {
				bot.wait()
				return nil
			}
			if update.Message == nil {
				continue
			}
			bot.handle(ctx, update.Message)
		}
	}
}

// handle answers one message; downloads continue in the background
func (b *reelBot) handle(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	if msg.IsCommand() {
		if msg.Command() == "start" {
			b.reply(msg, botGreeting)
		}
		return
	}

	link, ok := b.findLink(msg.Text)
	if !ok {
		b.reply(msg, botInvalidLink)
		return
	}

	user := senderID(msg)
	if !b.tryAcquire(user) {
		b.reply(msg, botBusy)
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.release(user)
		b.download(ctx, msg, link)
	}()
}

func (b *reelBot) download(ctx context.Context, msg *tgbotapi.Message, link string) {
	b.reply(msg, botStarting)

	req := internal.RetrievalRequest{
		URL:           link,
		CorrelationID: fmt.Sprintf("tg%d-%d", senderID(msg), msg.MessageID),
		PlatformHint:  "telegram",
	}
	err := b.engine.Retrieve(ctx, req, func(file *internal.RetrievedFile) error {
		b.reply(msg, botSending)

		video := tgbotapi.NewVideo(msg.Chat.ID, tgbotapi.FilePath(file.Path))
		video.ReplyToMessageID = msg.MessageID
		video.SupportsStreaming = true
		video.Caption = humanize.Bytes(file.SizeBytes)
		if _, err := b.api.Send(video); err != nil {
			return fmt.Errorf("failed to send video: %w", err)
		}
		return nil
	})
	if err != nil {
		internal.LogWarn("[%s] Telegram request failed: %v", req.CorrelationID, err)
		b.reply(msg, internal.UserMessage(err))
	}
}

// findLink returns the first supported link in text
func (b *reelBot) findLink(text string) (string, bool) {
	for _, field := range strings.Fields(text) {
		if !strings.HasPrefix(field, "http://") && !strings.HasPrefix(field, "https://") {
			continue
		}
		if b.validator.IsSupported(field) {
			return field, true
		}
	}
	return "", false
}

func (b *reelBot) reply(msg *tgbotapi.Message, text string) {
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	reply.ReplyToMessageID = msg.MessageID
	if _, err := b.api.Send(reply); err != nil {
		internal.LogWarn("Failed to send Telegram message to chat %d: %v", msg.Chat.ID, err)
	}
}

func (b *reelBot) tryAcquire(user int64) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.inflight[user] {
		return false
	}
	b.inflight[user] = true
	return true
}

func (b *reelBot) release(user int64) {
	b.mutex.Lock()
	delete(b.inflight, user)
	b.mutex.Unlock()
}

func (b *reelBot) wait() {
	b.wg.Wait()
}

// senderID identifies the user; channel posts have no sender and fall back to the chat
func senderID(msg *tgbotapi.Message) int64 {
	if msg.From != nil {
		return msg.From.ID
	}
	return msg.Chat.ID
}
