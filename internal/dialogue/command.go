package dialogue

import "strings"

// Command is a named entry point of the dialogue.
type Command int

const (
	CmdStart Command = iota + 1
	CmdSubscribe
	CmdChangeTime
	CmdChangeCity
	CmdChangeDate
	CmdUpdateAll
	CmdStop
	CmdStatus
	CmdCancel
	CmdGT
	CmdDGT
	CmdCGT
	CmdHelp
)

// CommandInfo describes a command for the client's command menu.
type CommandInfo struct {
	Command     Command
	Name        string
	Description string
}

// commands is ordered as shown in the command menu.
var commands = []CommandInfo{
	{CmdStart, "start", "Set up preferences"},
	{CmdSubscribe, "subscribe", "Enable daily updates"},
	{CmdStop, "stop", "Disable daily updates"},
	{CmdChangeTime, "change_time", "Update notification time"},
	{CmdChangeCity, "change_city", "Change city"},
	{CmdChangeDate, "change_date", "Modify start date"},
	{CmdUpdateAll, "update_all", "Update all settings"},
	{CmdStatus, "status", "View current settings"},
	{CmdGT, "gt", "Get good times"},
	{CmdDGT, "dgt", "Get Drik Panchang times"},
	{CmdCGT, "cgt", "Get combined times"},
	{CmdCancel, "cancel", "Cancel current command"},
	{CmdHelp, "help", "Show all commands"},
}

// Commands returns the command menu in display order.
func Commands() []CommandInfo {
	out := make([]CommandInfo, len(commands))
	copy(out, commands)
	return out
}

// ParseCommand maps a command name, with or without the leading slash, to a Command.
func ParseCommand(name string) (Command, bool) {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "/"))
	for _, c := range commands {
		if c.Name == name {
			return c.Command, true
		}
	}
	return 0, false
}

// String implements fmt.Stringer.
func (c Command) String() string {
	for _, ci := range commands {
		if ci.Command == c {
			return ci.Name
		}
	}
	return "unknown"
}
