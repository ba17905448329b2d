package telegram

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ucs200525/panchang-bot/internal/dialogue"
)

// UI texts in English
const (
	unknownCommandText = "🤔 Unknown command. Use /help to see all commands."
	internalErrorText  = "⚠️ An error occurred. Please try again or use /cancel"
)

// botCommands builds the client-side command menu.
func botCommands() []tgbotapi.BotCommand {
	var res []tgbotapi.BotCommand
	for _, c := range dialogue.Commands() {
		res = append(res, tgbotapi.BotCommand{Command: c.Name, Description: c.Description})
	}
	return res
}

// RegisterCommands publishes the command menu (setMyCommands).
func RegisterCommands(bot BotClient) error {
	_, err := bot.Request(tgbotapi.NewSetMyCommands(botCommands()...))
	return err
}
