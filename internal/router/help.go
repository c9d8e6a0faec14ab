package router

import (
	"sort"
	"strings"

	"haltbot/internal/transport"
)

// helpText renders plain-text help. Owner-only commands are listed only for owners.
func (m *CommandManager) helpText(path []string, owner bool) string {
	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return helpTop(root, owner)
	}

	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		p = commandWord(p)
		n, ok := cur.child(p)
		if !ok {
			if leaf, ok := alias[p]; ok && leaf.cmd != nil && len(full) == 0 {
				return helpCommand(leaf.cmd)
			}
			return "unknown command. try /help"
		}
		cur = n
		full = append(full, p)
	}
	if cur.cmd != nil {
		return helpCommand(cur.cmd)
	}

	lines := []string{"/" + strings.Join(full, " ") + " subcommands:"}
	for _, name := range cur.childNames() {
		lines = append(lines, "  "+name)
	}
	return strings.Join(lines, "\n")
}

func helpTop(root *cmdNode, owner bool) string {
	var cmds []*Command
	root.walk(func(c *Command) {
		if c.Access == AccessOwnerOnly && !owner {
			return
		}
		cmds = append(cmds, c)
	})
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Route < cmds[j].Route })

	lines := []string{"Commands:"}
	for _, c := range cmds {
		line := "/" + c.Route
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + d
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", "Send /help <command> for details.")
	return strings.Join(lines, "\n")
}

func helpCommand(c *Command) string {
	lines := []string{"/" + c.Route}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, d)
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "Usage:", u)
	}
	if len(c.Aliases) > 0 {
		lines = append(lines, "", "Aliases: /"+strings.Join(c.Aliases, ", /"))
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "(owner only)")
	}
	return strings.Join(lines, "\n")
}

// menuCommands flattens the tree into Telegram menu entries. Telegram only
// accepts [a-z0-9_]{1,32}, so multi-word routes are joined with "_".
func menuCommands(root *cmdNode) []transport.BotCommand {
	var out []transport.BotCommand
	root.walk(func(c *Command) {
		name := strings.Join(splitRoute(c.Route), "_")
		if name == "" || len(name) > 32 {
			return
		}
		for _, r := range name {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
				return
			}
		}
		out = append(out, transport.BotCommand{Command: name, Description: c.Description})
	})
	return out
}
