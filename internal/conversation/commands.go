package conversation

import "strings"

// Command is a global keyword that overrides the state machine.
type Command string

const (
	CommandMenu   Command = "menu"
	CommandCancel Command = "cancelar"
	CommandExit   Command = "sair"
	CommandHelp   Command = "ajuda"
)

// exitDigit is an alias for CommandExit only while the main menu is showing.
const exitDigit = "0"

// RouteCommand recognizes a global command for the given state. It must run
// before the state machine sees the input.
func RouteCommand(text string, state State) (Command, bool) {
	word := strings.ToLower(strings.TrimSpace(text))
	switch Command(word) {
	case CommandMenu, CommandCancel, CommandExit, CommandHelp:
		return Command(word), true
	}
	if word == exitDigit && state == StateMainMenu {
		return CommandExit, true
	}
	return "", false
}

// applyCommand resets the conversation. Every command clears the context.
func applyCommand(cmd Command) Transition {
	switch cmd {
	case CommandExit:
		return Transition{State: StateFinished, Replies: []string{textGoodbye}}
	case CommandHelp:
		return Transition{State: StateMainMenu, Replies: []string{helpText()}}
	case CommandCancel:
		return Transition{State: StateMainMenu, Replies: []string{textOperationReset + "\n\n" + menuText()}}
	default:
		return Transition{State: StateMainMenu, Replies: []string{menuText()}}
	}
}
