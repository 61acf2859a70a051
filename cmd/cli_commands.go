package cmd

// cliCommand is a command the client handles itself instead of sending.
type cliCommand struct {
	name    string
	params  string
	summary string
	minArgs int
	maxArgs int
}

var cliCommands = []cliCommand{
	{name: "help", summary: "Show this help", maxArgs: 1},
	{name: "connect", params: "<host> <port> | <pipe>", summary: "Connect to another server", minArgs: 1, maxArgs: 2},
	{name: "clear", summary: "Clear the screen"},
	{name: "quit", summary: "Leave the client"},
	{name: "exit", summary: "Leave the client"},
	{name: ":compress", params: "on|off", summary: "Compress request bodies with zstd", minArgs: 1, maxArgs: 1},
	{name: ":timeout", params: "<duration>", summary: "Per request timeout, e.g. 500ms", minArgs: 1, maxArgs: 1},
}

func lookupCommand(name string) (*cliCommand, bool) {
	for i := range cliCommands {
		if cliCommands[i].name == name {
			return &cliCommands[i], true
		}
	}
	return nil, false
}
