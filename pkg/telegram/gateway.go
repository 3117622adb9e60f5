package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/korjavin/gamenight/pkg/clock"
	"github.com/korjavin/gamenight/pkg/gateway"
	"github.com/korjavin/gamenight/pkg/logger"
	"github.com/korjavin/gamenight/pkg/models"
)

// Callback data prefixes. The instance id rides inside the callback data
// so a tap can be routed back to the reconciler without any per-message
// state on our side.
const (
	attendancePrefix = "att:"
	foodPrefix       = "food:"
)

// Gateway delivers engine payloads over Telegram and converts inline
// keyboard taps into inbound response events.
type Gateway struct {
	bot       *Bot
	clock     clock.Clock
	responses chan models.InboundResponse
	logger    *logger.Logger
}

// NewGateway creates a Telegram-backed dispatch gateway.
func NewGateway(bot *Bot, clk clock.Clock) *Gateway {
	return &Gateway{
		bot:       bot,
		clock:     clk,
		responses: make(chan models.InboundResponse, 64),
		logger:    logger.New("telegram"),
	}
}

// Send delivers one payload to the chat named by destination (a chat id
// in decimal). It attaches the response keyboard matching the payload
// kind and respects the context deadline.
func (g *Gateway) Send(ctx context.Context, destination string, payload gateway.Payload) error {
	chatID, err := strconv.ParseInt(destination, 10, 64)
	if err != nil {
		return fmt.Errorf("bad destination %q: %w", destination, err)
	}

	var keyboard tgbotapi.InlineKeyboardMarkup
	switch payload.Kind {
	case models.TaskAttendanceReminder:
		keyboard = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("✅ Yes", attendancePrefix+payload.InstanceID+":yes"),
				tgbotapi.NewInlineKeyboardButtonData("❌ No", attendancePrefix+payload.InstanceID+":no"),
				tgbotapi.NewInlineKeyboardButtonData("🤔 Maybe", attendancePrefix+payload.InstanceID+":maybe"),
			),
		)
	case models.TaskFoodReminder:
		keyboard = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("🍕 I got it", foodPrefix+payload.InstanceID+":confirm"),
				tgbotapi.NewInlineKeyboardButtonData("🙅 Can't this time", foodPrefix+payload.InstanceID+":decline"),
			),
		)
	default:
		return fmt.Errorf("unknown payload kind: %s", payload.Kind)
	}

	// The bot API client has no context plumbing; run the send aside and
	// race it against the deadline so a slow call counts as a failure.
	done := make(chan error, 1)
	go func() {
		_, err := g.bot.SendMessageWithKeyboard(chatID, payload.Text, keyboard)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Responses is the stream of participant responses parsed from keyboard
// taps, consumed by the reconciler.
func (g *Gateway) Responses() <-chan models.InboundResponse {
	return g.responses
}

// HandleCallback parses one keyboard tap and forwards it as an inbound
// response. It is registered as the callback handler for both prefixes.
func (g *Gateway) HandleCallback(callback *tgbotapi.CallbackQuery) {
	resp, ack, ok := g.parseCallback(callback)
	if !ok {
		g.logger.Warn("Ignoring malformed callback data: %s", callback.Data)
		return
	}

	select {
	case g.responses <- resp:
	default:
		g.logger.Error("Response channel full, dropping response from %s", resp.ParticipantID)
		return
	}

	if err := g.bot.AnswerCallbackQuery(callback.ID, ack); err != nil {
		g.logger.Error("Failed to answer callback query: %v", err)
	}
}

func (g *Gateway) parseCallback(callback *tgbotapi.CallbackQuery) (models.InboundResponse, string, bool) {
	resp := models.InboundResponse{
		ParticipantID: strconv.FormatInt(callback.From.ID, 10),
		ReceivedAt:    g.clock.Now(),
	}

	var rest string
	switch {
	case strings.HasPrefix(callback.Data, attendancePrefix):
		rest = callback.Data[len(attendancePrefix):]
	case strings.HasPrefix(callback.Data, foodPrefix):
		rest = callback.Data[len(foodPrefix):]
	default:
		return resp, "", false
	}

	sep := strings.LastIndex(rest, ":")
	if sep <= 0 || sep == len(rest)-1 {
		return resp, "", false
	}
	resp.InstanceID = rest[:sep]

	var ack string
	switch rest[sep+1:] {
	case "yes":
		resp.Kind, ack = models.ResponseAttendanceYes, "See you there!"
	case "no":
		resp.Kind, ack = models.ResponseAttendanceNo, "Noted, you're out."
	case "maybe":
		resp.Kind, ack = models.ResponseAttendanceMaybe, "Noted as maybe."
	case "confirm":
		resp.Kind, ack = models.ResponseFoodConfirm, "Thanks for bringing food!"
	case "decline":
		resp.Kind, ack = models.ResponseFoodDecline, "No worries, asking the next in line."
	default:
		return resp, "", false
	}
	return resp, ack, true
}
