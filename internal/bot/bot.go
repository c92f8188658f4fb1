package bot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"bita-miner/internal/account"
	"bita-miner/pkg/logger"
)

var ErrBadRecipient = errors.New("recipient is not a telegram user id")

type accountService interface {
	Invite(ctx context.Context, id string) (string, int64, error)
}

type Bot struct {
	instance    *telego.Bot
	accounts    accountService
	botUsername string
	webAppName  string
}

func New(token, botUsername, webAppName string, accounts accountService) (*Bot, error) {
	tgBot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		instance:    tgBot,
		accounts:    accounts,
		botUsername: botUsername,
		webAppName:  webAppName,
	}, nil
}

// Start polls for updates until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	updates, err := b.instance.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.instance, updates)
	if err != nil {
		return fmt.Errorf("failed to create bot handler: %w", err)
	}

	handler.Handle(b.handleStart, th.CommandEqual("start"))
	handler.Handle(b.handleInvite, th.CommandEqual("invite"))

	logger.Log.Info("bot started", logger.String("username", b.botUsername))
	handler.Start()
	return nil
}

func (b *Bot) handleStart(ctx *th.Context, update telego.Update) error {
	message := update.Message

	keyboard := tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("⛏ Start mining").WithURL(b.appLink(commandArg(message.Text))),
		),
	)

	name := ""
	if message.From != nil {
		name = message.From.FirstName
	}

	_, err := ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(message.Chat.ID),
		fmt.Sprintf("Hi, %s! 👋\n\nOpen the app, start a session and collect BITA every day.", name),
	).WithReplyMarkup(keyboard))
	if err != nil {
		logger.Log.Warn("failed to answer /start", logger.Int64("chat_id", message.Chat.ID), logger.Error(err))
	}
	return nil
}

func (b *Bot) handleInvite(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if message.From == nil {
		return nil
	}
	userID := strconv.FormatInt(message.From.ID, 10)

	text := "Open the app once to get your invite link."
	link, total, err := b.accounts.Invite(ctx.Context(), userID)
	switch {
	case err == nil:
		text = inviteText(link, total)
	case !errors.Is(err, account.ErrRecordMissing):
		logger.Log.Error("failed to load invite", logger.String("user_id", userID), logger.Error(err))
		text = "❌ Something went wrong, please try again later."
	}

	_, err = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID), text))
	if err != nil {
		logger.Log.Warn("failed to answer /invite", logger.String("user_id", userID), logger.Error(err))
	}
	return nil
}

// Notify sends a plain text message to a user.
func (b *Bot) Notify(ctx context.Context, userID, text string) error {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadRecipient, userID)
	}
	if _, err := b.instance.SendMessage(ctx, tu.Message(tu.ID(id), text)); err != nil {
		return fmt.Errorf("failed to notify %s: %w", userID, err)
	}
	return nil
}

func (b *Bot) appLink(param string) string {
	link := fmt.Sprintf("https://t.me/%s/%s", b.botUsername, b.webAppName)
	if param != "" {
		link += "?startapp=" + url.QueryEscape(param)
	}
	return link
}

func commandArg(text string) string {
	if parts := strings.Fields(text); len(parts) > 1 {
		return parts[1]
	}
	return ""
}

func inviteText(link string, total int64) string {
	return fmt.Sprintf("🤝 Your invite link:\n%s\n\nFriends invited: %d", link, total)
}
