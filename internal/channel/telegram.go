package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"
)

// Telegram is the channel key for TelegramStrategy.
const Telegram = "telegram"

var chatIDPattern = regexp.MustCompile(`^-?\d+$`)

// TelegramConfig configures the Bot API client.
type TelegramConfig struct {
	Token   string
	APIURL  string        // defaults to the public Bot API
	Timeout time.Duration // per request, defaults to 10s
}

// TelegramStrategy sends Markdown messages through the Telegram Bot API.
type TelegramStrategy struct {
	bot    *tele.Bot
	logger *zap.Logger
	now    func() time.Time
}

// NewTelegramStrategy builds an offline bot: no polling, no getMe on start.
func NewTelegramStrategy(cfg TelegramConfig, logger *zap.Logger) (*TelegramStrategy, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &TelegramStrategy{
		bot:    bot,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (s *TelegramStrategy) Name() string { return Telegram }

// ValidateRecipient accepts numeric chat ids, negative for groups.
func (s *TelegramStrategy) ValidateRecipient(recipient string) bool {
	return chatIDPattern.MatchString(recipient)
}

// Send delivers message as Markdown. opts.Keyboard wins over the template's
// default keyboard.
func (s *TelegramStrategy) Send(ctx context.Context, recipient, message string, opts Options) Outcome {
	sendOpt := &tele.SendOptions{
		ParseMode:   tele.ModeMarkdown,
		ReplyMarkup: inlineMarkup(keyboardFor(opts)),
	}
	return s.deliver(ctx, "message", recipient, message, sendOpt)
}

// SendPhoto sends an image by URL with a Markdown caption.
func (s *TelegramStrategy) SendPhoto(ctx context.Context, recipient, photoURL, caption string, opts Options) Outcome {
	photo := &tele.Photo{File: tele.FromURL(photoURL), Caption: caption}
	sendOpt := &tele.SendOptions{
		ParseMode:   tele.ModeMarkdown,
		ReplyMarkup: inlineMarkup(opts.Keyboard),
	}
	return s.deliver(ctx, "photo", recipient, photo, sendOpt)
}

// SendDocument sends a file by URL with a Markdown caption.
func (s *TelegramStrategy) SendDocument(ctx context.Context, recipient, documentURL, caption string) Outcome {
	doc := &tele.Document{File: tele.FromURL(documentURL), Caption: caption}
	return s.deliver(ctx, "document", recipient, doc, &tele.SendOptions{ParseMode: tele.ModeMarkdown})
}

// SendLocation sends a map pin.
func (s *TelegramStrategy) SendLocation(ctx context.Context, recipient string, lat, lng float32) Outcome {
	loc := &tele.Location{Lat: lat, Lng: lng}
	return s.deliver(ctx, "location", recipient, loc, &tele.SendOptions{})
}

func (s *TelegramStrategy) deliver(ctx context.Context, kind, recipient string, what interface{}, opt *tele.SendOptions) Outcome {
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil || !s.ValidateRecipient(recipient) {
		return Failed(fmt.Sprintf("invalid telegram chat id: %q", recipient))
	}
	if err := ctx.Err(); err != nil {
		return Failed(err.Error())
	}

	msg, err := s.bot.Send(tele.ChatID(chatID), what, opt)
	if err != nil {
		s.logger.Warn("telegram send failed",
			zap.String("kind", kind),
			zap.String("recipient", recipient),
			zap.Error(err),
		)
		return Failed(err.Error())
	}

	s.logger.Debug("telegram message sent",
		zap.String("kind", kind),
		zap.String("recipient", recipient),
		zap.Int("message_id", msg.ID),
	)
	return Succeeded(strconv.Itoa(msg.ID), s.now())
}

func keyboardFor(opts Options) [][]Button {
	if opts.Keyboard != nil {
		return opts.Keyboard
	}
	return DefaultKeyboard(opts.Template)
}

// DefaultKeyboard returns the inline keyboard attached to a template's
// messages, or nil when the template has none.
func DefaultKeyboard(template string) [][]Button {
	switch template {
	case "appointment_confirmation":
		return [][]Button{
			{
				{Text: "✅ Confirmar", Data: "confirm_appointment"},
				{Text: "❌ Cancelar", Data: "cancel_appointment"},
			},
			{
				{Text: "📋 Ver Detalles", Data: "view_appointment"},
			},
		}
	case "appointment_reminder":
		return [][]Button{
			{
				{Text: "✅ Confirmar Asistencia", Data: "confirm_attendance"},
				{Text: "❌ No Podré Asistir", Data: "cancel_appointment"},
			},
		}
	default:
		return nil
	}
}

func inlineMarkup(rows [][]Button) *tele.ReplyMarkup {
	if len(rows) == 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	teleRows := make([]tele.Row, 0, len(rows))
	for _, row := range rows {
		btns := make([]tele.Btn, 0, len(row))
		for _, b := range row {
			btns = append(btns, tele.Btn{Text: b.Text, Data: b.Data, URL: b.URL})
		}
		teleRows = append(teleRows, rm.Row(btns...))
	}
	rm.Inline(teleRows...)
	return rm
}
