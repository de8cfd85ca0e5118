package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dotclaw/dotclaw/internal/bus"
	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/groups"
)

const mainOnlyError = "This command can only be used from the main group."

const adminHelp = `DotClaw commands:
/dotclaw help                       show this help
/dotclaw groups                     list registered groups
/dotclaw add-group <folder> [name]  register this chat as a group (main only)
/dotclaw remove-group <folder>      unregister a group (main only)
/dotclaw set-model <folder> <model> pin a model for a group (main only)
/dotclaw remember <text>            save a standing instruction for this group
/dotclaw style <text>               save a response style note
/dotclaw tools <text>               save a tool usage note
/dotclaw caution <text>             save a caution note
/dotclaw memory                     show saved notes for this group
/dotclaw skill install|remove|list|update [name]`

// handleAdminCommand parses "/dotclaw <subcommand> [args…]" as a
// space-separated argv and dispatches. Cross-group subcommands are accepted
// only from the main group's chat. Unregistered chats are rejected except
// for add-group, which may bootstrap the main group on a fresh install.
func (p *Pipeline) handleAdminCommand(msg bus.IncomingMessage, group groups.Group, registered bool) {
	argv := strings.Fields(strings.TrimSpace(msg.Content))
	if len(argv) < 2 {
		p.sendReply(msg.ChatID, adminHelp, msg.ThreadID, "")
		return
	}
	sub, args := argv[1], argv[2:]

	reply := func(text string) { p.sendReply(msg.ChatID, text, msg.ThreadID, "") }

	if !registered && sub != "add-group" {
		reply(mainOnlyError)
		return
	}

	switch sub {
	case "help":
		reply(adminHelp)

	case "groups":
		reply(p.formatGroupList())

	case "add-group":
		// Before any main group exists, the first add-group claims it;
		// afterwards only the main chat may register groups.
		_, mainExists := p.groups.MainChatID()
		if mainExists && !p.groups.IsMain(group.Folder) {
			reply(mainOnlyError)
			return
		}
		if len(args) < 1 {
			reply("Usage: /dotclaw add-group <folder> [name]")
			return
		}
		folder := args[0]
		if !mainExists && folder != config.MainGroupFolder {
			reply(fmt.Sprintf("No main group registered yet. Bootstrap this install first: /dotclaw add-group %s", config.MainGroupFolder))
			return
		}
		name := folder
		if len(args) > 1 {
			name = strings.Join(args[1:], " ")
		}
		err := p.groups.Register(msg.ChatID, groups.Group{Name: name, Folder: folder})
		switch {
		case errors.Is(err, groups.ErrAlreadyExists):
			reply("This chat already has a registered group.")
		case errors.Is(err, groups.ErrFolderTaken):
			reply(fmt.Sprintf("Folder `%s` is already in use.", folder))
		case errors.Is(err, groups.ErrInvalidFolder):
			reply(fmt.Sprintf("`%s` is not a valid folder name. Use lowercase letters, digits, `-` and `_`.", folder))
		case err != nil:
			slog.Error("add-group failed", "chat", msg.ChatID, "error", err)
			reply("Couldn't register the group. I've logged the details.")
		default:
			reply(fmt.Sprintf("Registered group `%s` for this chat.", folder))
		}

	case "remove-group":
		if !p.groups.IsMain(group.Folder) {
			reply(mainOnlyError)
			return
		}
		if len(args) != 1 {
			reply("Usage: /dotclaw remove-group <folder>")
			return
		}
		chatID, _, ok := p.groups.ByFolder(args[0])
		if !ok {
			reply(fmt.Sprintf("No group with folder `%s`.", args[0]))
			return
		}
		err := p.groups.Unregister(chatID)
		switch {
		case errors.Is(err, groups.ErrMainProtected):
			reply("The main group cannot be removed.")
		case err != nil:
			slog.Error("remove-group failed", "folder", args[0], "error", err)
			reply("Couldn't remove the group. I've logged the details.")
		default:
			reply(fmt.Sprintf("Removed group `%s`.", args[0]))
		}

	case "set-model":
		if !p.groups.IsMain(group.Folder) {
			reply(mainOnlyError)
			return
		}
		if len(args) != 2 {
			reply("Usage: /dotclaw set-model <folder> <model|default>")
			return
		}
		model := args[1]
		if model == "default" {
			model = ""
		}
		if err := p.groups.SetModelOverride(args[0], model); err != nil {
			reply(fmt.Sprintf("No group with folder `%s`.", args[0]))
			return
		}
		if model == "" {
			reply(fmt.Sprintf("Group `%s` back on the default model.", args[0]))
		} else {
			reply(fmt.Sprintf("Group `%s` pinned to model `%s`.", args[0], model))
		}

	case "remember", "style", "tools", "caution":
		if len(args) == 0 {
			reply(fmt.Sprintf("Usage: /dotclaw %s <text>", sub))
			return
		}
		if err := p.appendGroupNote(group.Folder, sub, strings.Join(args, " ")); err != nil {
			slog.Error("group note append failed", "group", group.Folder, "kind", sub, "error", err)
			reply("Couldn't save that. I've logged the details.")
			return
		}
		reply("Saved.")

	case "memory":
		notes, err := p.readGroupNotes(group.Folder)
		if err != nil {
			slog.Error("group note read failed", "group", group.Folder, "error", err)
			reply("Couldn't read the saved notes. I've logged the details.")
			return
		}
		if notes == "" {
			reply("No notes saved for this group yet.")
			return
		}
		reply(notes)

	case "skill":
		reply("Skill management runs on the host: `dotclaw skill install|remove|list|update <name>`.")

	default:
		reply(fmt.Sprintf("Unknown command `%s`.\n\n%s", sub, adminHelp))
	}
}

func (p *Pipeline) formatGroupList() string {
	snapshot := p.groups.Snapshot()
	if len(snapshot) == 0 {
		return "No groups registered."
	}

	type row struct{ folder, line string }
	rows := make([]row, 0, len(snapshot))
	for chatID, g := range snapshot {
		line := fmt.Sprintf("`%s` — %s (%s)", g.Folder, g.Name, chatID)
		if g.ModelOverride != "" {
			line += " [model: " + g.ModelOverride + "]"
		}
		rows = append(rows, row{g.Folder, line})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].folder < rows[j].folder })

	var b strings.Builder
	b.WriteString("Registered groups:\n")
	for _, r := range rows {
		b.WriteString("- " + r.line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Group notes live as markdown files in the group workspace inbox; the agent
// container reads them as standing instructions.
var noteFiles = map[string]string{
	"remember": "instructions.md",
	"style":    "style.md",
	"tools":    "tools.md",
	"caution":  "caution.md",
}

func (p *Pipeline) appendGroupNote(folder, kind, text string) error {
	dir := filepath.Join(p.groupsDir, folder, "inbox")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, noteFiles[kind]), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "- %s (%s)\n", text, time.Now().UTC().Format("2006-01-02"))
	return err
}

func (p *Pipeline) readGroupNotes(folder string) (string, error) {
	var b strings.Builder
	for _, kind := range []string{"remember", "style", "tools", "caution"} {
		data, err := os.ReadFile(filepath.Join(p.groupsDir, folder, "inbox", noteFiles[kind]))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		fmt.Fprintf(&b, "**%s**\n%s\n", kind, strings.TrimRight(string(data), "\n"))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
