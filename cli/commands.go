package cli

// command is the shared shape of all built-in commands.
type command struct {
	name    string
	pos     Position
	info    string
	compile func(cctx *Context, arg string) (*CompiledStage, error)
}

func (c *command) Name() string       { return c.name }
func (c *command) Position() Position { return c.pos }
func (c *command) Info() string       { return c.info }
func (c *command) Compile(cctx *Context, arg string) (*CompiledStage, error) {
	return c.compile(cctx, arg)
}

// allCommands returns every built-in command. Commands that spawn
// forked worker tasks get a handle on the CLI for the reaper.
func allCommands(c *CLI) []Command {
	return []Command{
		// sources
		echoCommand(),
		jsonCommand(),
		sleepCommand(),
		searchCommand(true),
		searchCommand(false),
		historyCommand(),
		systemCommand(),
		certificateCommand(),
		workflowsCommand(),
		jobsCommand(),
		templatesCommand(),
		configsCommand(),
		// flows
		countCommand(),
		headCommand(),
		tailCommand(),
		chunkCommand(),
		flattenCommand(),
		uniqCommand(),
		sortCommand(),
		limitCommand(),
		listCommand(),
		formatCommand(),
		jqCommand(),
		aggregateToCountCommand(),
		setSectionCommand("set_desired", "desired", nil),
		setSectionCommand("clean", "desired", map[string]any{"clean": true}),
		setSectionCommand("set_metadata", "metadata", nil),
		setSectionCommand("protect", "metadata", map[string]any{"protected": true}),
		tagCommand(c),
		traversalCommand("predecessors", false, false),
		traversalCommand("successors", true, false),
		traversalCommand("ancestors", false, true),
		traversalCommand("descendants", true, true),
		executeTaskCommand(),
		// sinks
		httpCommand(),
		discordCommand(),
		slackCommand(),
		jiraCommand(),
		writeCommand(),
	}
}
