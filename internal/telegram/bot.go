package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/damage-api/internal/model"
	"github.com/Brownie44l1/damage-api/internal/upload"
)

const (
	msgStart = `🚗 Vehicle Damage Detection

📸 Send me a photo of a vehicle and I will tell you which section is damaged and how badly.

📋 Commands:
/help — usage`

	msgHelp = `ℹ️ How to use:

1️⃣ Send a photo (or a .jpg/.jpeg/.png file) of the front or rear of a vehicle
2️⃣ Wait for the analysis
3️⃣ You get the damage location and type

Possible results: Front/Rear × Breakage/Crushed/Normal`

	msgSendPhoto       = "📸 Please send a photo of the vehicle."
	msgUnknownCommand  = "❓ Unknown command. Use /help."
	msgProcessing      = "⏳ Analyzing image..."
	msgBadImage        = "⚠️ Could not read the image. Send a JPEG or PNG photo."
	msgUnsupportedFile = "⚠️ Unsupported file type. Send a .jpg, .jpeg or .png file."
	msgProcessingError = "⚠️ Could not analyze the image. Try again later."
)

const downloadTimeout = 30 * time.Second

var conditionEmoji = map[model.Condition]string{
	model.Normal:   "✅",
	model.Breakage: "⚠️",
	model.Crushed:  "🚨",
}

// Classifier is the part of *model.Classifier the bot uses.
type Classifier interface {
	ClassifyImage(ctx context.Context, r io.Reader) (model.Label, error)
}

type Bot struct {
	api        *tgbotapi.BotAPI
	classifier Classifier
	client     *http.Client
	log        logrus.FieldLogger
}

func NewBot(token string, classifier Classifier, logger logrus.FieldLogger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrap(err, "create telegram client")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	logger.WithField("account", api.Self.UserName).Info("telegram bot authorized")

	return &Bot{
		api:        api,
		classifier: classifier,
		client:     &http.Client{Timeout: downloadTimeout},
		log:        logger,
	}, nil
}

// Run processes updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	switch {
	case msg.IsCommand():
		b.handleCommand(msg)
	case len(msg.Photo) > 0:
		// The last size is the largest.
		b.handleFile(ctx, msg.Chat.ID, msg.Photo[len(msg.Photo)-1].FileID)
	case msg.Document != nil:
		if !upload.Allowed(msg.Document.FileName) {
			b.sendMessage(msg.Chat.ID, msgUnsupportedFile)
			return
		}
		b.handleFile(ctx, msg.Chat.ID, msg.Document.FileID)
	default:
		b.sendMessage(msg.Chat.ID, msgSendPhoto)
	}
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		b.sendMessage(msg.Chat.ID, msgStart)
	case "help":
		b.sendMessage(msg.Chat.ID, msgHelp)
	default:
		b.sendMessage(msg.Chat.ID, msgUnknownCommand)
	}
}

func (b *Bot) handleFile(ctx context.Context, chatID int64, fileID string) {
	b.sendMessage(chatID, msgProcessing)

	data, err := b.downloadFile(ctx, fileID)
	if err != nil {
		b.log.WithError(err).Error("download photo")
		b.sendMessage(chatID, msgProcessingError)
		return
	}

	b.sendMessage(chatID, b.analyze(ctx, data))
}

// analyze classifies image bytes in memory and returns the reply text.
func (b *Bot) analyze(ctx context.Context, data []byte) string {
	label, err := b.classifier.ClassifyImage(ctx, bytes.NewReader(data))
	if err != nil {
		var decErr *model.DecodeError
		if errors.As(err, &decErr) {
			return msgBadImage
		}
		b.log.WithError(err).Error("classify photo")
		return msgProcessingError
	}
	b.log.WithFields(logrus.Fields{"size": len(data), "label": label.String()}).Info("classified photo")
	return FormatResult(label)
}

// FormatResult renders a label as the bot's reply.
func FormatResult(l model.Label) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", conditionEmoji[l.Condition], l.Condition)
	fmt.Fprintf(&sb, "%s section\n\n", l.Location)
	fmt.Fprintf(&sb, "Location: %s\n", l.Location)
	fmt.Fprintf(&sb, "Damage type: %s\n", l.Condition)
	fmt.Fprintf(&sb, "Full class: %s", l)
	return sb.String()
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, errors.Wrap(err, "get file")
	}
	return b.download(ctx, file.Link(b.api.Token))
}

// download fetches url, giving up when ctx is done or the client times out.
func (b *Bot) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build download request")
	}

	client := b.client
	if client == nil {
		client = &http.Client{Timeout: downloadTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "download file")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("download file: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}
	return data, nil
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.WithError(err).Warn("send message")
	}
}
