package dialogue

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ucs200525/panchang-bot/internal/domain"
)

// UI texts in English
const (
	welcomeText = "🙏 *Welcome to Panchang Bot!* 🙏\n\n" +
		"Let's set up your daily updates:\n" +
		"1️⃣ First, enter your preferred time (24-hour format, e.g., 08:00)\n" +
		"2️⃣ Then your city\n" +
		"3️⃣ Then the start date\n" +
		"4️⃣ Finally, pick the tables you want\n\n" +
		"You can also use:\n" +
		"/gt - Get good time intervals\n" +
		"/dgt - Get Drik Panchang timings\n" +
		"/cgt - Get combined good times\n\n" +
		"Use /help to see all commands."

	helpText = "✨ Panchang Bot Commands ✨\n" +
		"━━━━━━━━━━━━━━━━━━━━━━━━━\n" +
		"🔸 Daily Updates\n" +
		"/start - Set up preferences\n" +
		"/subscribe - Enable daily updates\n" +
		"/stop - Disable updates\n\n" +
		"🔸 Manage Preferences\n" +
		"/change_time - Update time\n" +
		"/change_city - Change city\n" +
		"/change_date - Modify start date\n" +
		"/update_all - Update all settings\n" +
		"/status - View current settings\n\n" +
		"🔸 Panchang Commands\n" +
		"/gt - Get good times\n" +
		"/dgt - Get Drik times\n" +
		"/cgt - Get combined times\n" +
		"/cancel - Cancel current command\n\n" +
		"📝 Format Examples:\n" +
		"• Time: 08:00\n" +
		"• City: Vijayawada\n" +
		"• Date: 2024-01-25\n" +
		"━━━━━━━━━━━━━━━━━━━━━━━━━"

	subscribePrompt  = "Please enter the time you want to receive daily updates (24-hour format).\n\nFormat: HH:mm (e.g., 08:00)"
	updateAllPrompt  = "Let's update all your preferences.\nFirst, enter your preferred time (24-hour format, e.g., 08:00):"
	timePrompt       = "Please enter your preferred time (24-hour format, e.g., 08:00):"
	cityPrompt       = "Please enter your city name:"
	datePrompt       = "Please enter start date (YYYY-MM-DD):"
	cityDatePrompt   = "Please enter the city and date in the format: City, YYYY-MM-DD"
	timeSavedText    = "✅ Time saved! Now please enter your city:"
	citySavedText    = "✅ City saved! Now enter start date (YYYY-MM-DD):"
	typeMenuText     = "Please select the type of updates you want to receive.\n\n" +
		"Available options:\n" +
		"1️⃣ GT - Good Times Table\n" +
		"2️⃣ DGT - Drik Panchang Table\n" +
		"3️⃣ CGT - Combined Table\n" +
		"4️⃣ GT+DGT\n" +
		"5️⃣ GT+CGT\n" +
		"6️⃣ ALL\n\n" +
		"Reply with the number (1-6):"

	invalidTimeText     = "⚠️ Invalid time format. Please use HH:mm (e.g., 08:00)"
	invalidCityText     = "⚠️ City name is too short. Please enter at least 3 characters."
	invalidDateText     = "⚠️ Invalid date format. Please use YYYY-MM-DD"
	invalidOptionText   = "⚠️ Invalid option. Please select a number between 1-6"
	invalidCityDateText = "⚠️ Invalid format. Please use: City, YYYY-MM-DD"

	cancelledText       = "✅ Current operation cancelled. What would you like to do next?"
	nothingToCancelText = "No active operation to cancel."
	notSubscribedText   = "❌ You are not currently subscribed to any updates."
	stoppedText         = "✅ Successfully unsubscribed from daily updates. Your other preferences have been kept.\n\nUse /subscribe to subscribe again."
	noPreferencesText   = "No preferences set. Use /start to set up your preferences."
	storeFailedText     = "❌ Could not save your preferences right now. Please try again later."
	readFailedText      = "❌ Error retrieving your preferences. Please try again."
	unknownStateText    = "⚠️ Something went wrong with the previous step. Please start again, or use /help to see all commands."
	contentRejectedText = "⚠️ Invalid city or date. Please check them and try again."
)

const nextDeliveryLayout = "2006-01-02 15:04 MST"

func generatingText(kind domain.SubscriptionType) string {
	return fmt.Sprintf("⏳ Generating %s...", kind.DisplayName())
}

func contentFailedText(kind domain.SubscriptionType) string {
	return fmt.Sprintf("⚠️ Error generating %s. Please try again later.", kind.DisplayName())
}

func fieldUpdatedText(field, value string) string {
	return fmt.Sprintf("✅ %s updated: %s", field, value)
}

func subscribedText(p domain.UserPreferences) string {
	return fmt.Sprintf("✅ Subscription successful!\n\n"+
		"📍 City: %s\n"+
		"⏰ Daily Updates Time: %s\n"+
		"📅 Start Date: %s\n"+
		"📊 Selected Updates: %s\n\n"+
		"You will receive your selected updates daily at %s.",
		p.City, p.NotificationTime, p.StartDate, domain.TypeNames(p.SubscriptionTypes), p.NotificationTime)
}

func scheduleFailedText(city string, err error) string {
	switch {
	case errors.Is(err, domain.ErrShutdown):
		return "⏳ Your preferences are saved. The bot is restarting, daily updates will be active once it is back."
	case errors.Is(err, domain.ErrNotFound):
		return fmt.Sprintf("⚠️ I could not find the timezone for %q, so daily updates are not active. "+
			"Use /change_city to pick another city, then /subscribe.", city)
	case errors.Is(err, domain.ErrValidation):
		return "⚠️ Your time or city is incomplete, so daily updates are not active. Use /update_all to fix them."
	default:
		return "⚠️ Your preferences are saved, but daily updates could not be activated right now. Please try /subscribe later."
	}
}

// statusView is the data shown by /status.
type statusView struct {
	Prefs       domain.UserPreferences
	Next        string
	LastUpdated string
}

func statusText(v statusView) string {
	p := v.Prefs
	var b strings.Builder
	b.WriteString("📊 Your Current Settings\n\n")
	fmt.Fprintf(&b, "🌆 City: %s\n", orNotSet(p.City))
	fmt.Fprintf(&b, "🌍 Timezone: %s\n", orNotSet(p.Timezone))
	fmt.Fprintf(&b, "📅 Start Date: %s\n", orNotSet(p.StartDate))
	if p.IsSubscribed {
		fmt.Fprintf(&b, "⏰ Daily Updates: %s\n", orNotSet(p.NotificationTime))
		fmt.Fprintf(&b, "📱 Subscribed Updates: %s\n", orNone(domain.TypeNames(p.SubscriptionTypes)))
		if v.Next != "" {
			fmt.Fprintf(&b, "⏭ Next Delivery: %s\n", v.Next)
		}
	} else {
		b.WriteString("📱 Subscription Status: ❌ Not subscribed\n")
	}
	fmt.Fprintf(&b, "🔄 Last Updated: %s\n\n", v.LastUpdated)
	b.WriteString("Available Commands:\n" +
		"• /subscribe - Enable daily updates\n" +
		"• /stop - Disable updates\n" +
		"• /change_time - Update notification time\n" +
		"• /change_city - Change city\n" +
		"• /change_date - Modify start date")
	return b.String()
}

func orNotSet(s string) string {
	if s == "" {
		return "Not set"
	}
	return s
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}
