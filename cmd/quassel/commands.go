package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/quasseldroid/libquassel/host"
	"github.com/quasseldroid/libquassel/syncables"
	"github.com/quasseldroid/libquassel/variant"
)

var (
	ErrUsage     = errors.New("usage error, see help")
	ErrNoHistory = errors.New("no history database configured")
)

const defaultLimit = 50

const helpText = `state                          session state, features, lag, violations
buffers                        buffers known to the session
backlog <buffer> [limit]       fetch backlog from the core
history <buffer> [limit]       list stored messages
ignore list                    show ignore rules
ignore add <sender|message> <pattern> [soft|hard] [regex]
ignore remove <pattern>        ask the core to drop a rule
ignore toggle <pattern>        ask the core to flip a rule
match <sender> <text...>       test the ignore rules
quit                           leave
`

func (repl *REPL) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(repl.out, format, args...)
}

func (repl *REPL) CommandHelp([]string) error {
	repl.printf("%s", helpText)
	return nil
}

func (repl *REPL) CommandState([]string) error {
	s := repl.Session
	repl.printf("state:      %s\n", s.State())
	repl.printf("features:   %s\n", s.Features())
	repl.printf("lag:        %s\n", s.Lag())
	repl.printf("violations: %d\n", s.Violations())
	return nil
}

func (repl *REPL) CommandBuffers([]string) error {
	for _, b := range repl.Session.SessionState().BufferInfos {
		repl.printf("%5d %-12s %s\n", b.ID, repl.Session.NetworkName(b.Network), b.Name)
	}
	return nil
}

// bufferArgs parses "<buffer> [limit]".
func bufferArgs(args []string) (variant.BufferID, int, error) {
	if len(args) < 1 || len(args) > 2 {
		return 0, 0, ErrUsage
	}
	id, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bad buffer id %q: %w", args[0], err)
	}
	limit := defaultLimit
	if len(args) == 2 {
		if limit, err = strconv.Atoi(args[1]); err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("bad limit %q", args[1])
		}
	}
	return variant.BufferID(id), limit, nil
}

func (repl *REPL) CommandBacklog(args []string) error {
	buffer, limit, err := bufferArgs(args)
	if err != nil {
		return err
	}
	out := repl.out
	return repl.Session.Backlog().RequestBacklog(buffer, -1, -1, limit, 0, func(msgs []variant.Message) bool {
		for _, msg := range msgs {
			_, _ = fmt.Fprintln(out, formatMessage(msg))
		}
		_, _ = fmt.Fprintf(out, "-- %d messages from buffer %d\n", len(msgs), buffer)
		return true
	})
}

func (repl *REPL) CommandHistory(args []string) error {
	if repl.Store == nil {
		return ErrNoHistory
	}
	buffer, limit, err := bufferArgs(args)
	if err != nil {
		return err
	}
	msgs, err := repl.Store.Messages(buffer, 0, limit)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		line := formatMessage(msg.Message)
		if msg.Strictness != host.Unmatched {
			line += " [" + msg.Strictness.String() + "]"
		}
		repl.printf("%s\n", line)
	}
	return nil
}

func (repl *REPL) CommandIgnore(args []string) error {
	if len(args) == 0 {
		return ErrUsage
	}
	rules := repl.Session.IgnoreList()
	switch args[0] {
	case "list":
		for n, item := range rules.Rules() {
			repl.printf("%3d %s\n", n, item)
		}
		return nil
	case "add":
		item, err := parseIgnoreItem(args[1:])
		if err != nil {
			return err
		}
		return rules.RequestAddIgnoreListItem(item)
	case "remove":
		if len(args) != 2 {
			return ErrUsage
		}
		return rules.RequestRemoveIgnoreListItem(args[1])
	case "toggle":
		if len(args) != 2 {
			return ErrUsage
		}
		return rules.RequestToggleIgnoreRule(args[1])
	default:
		return ErrUsage
	}
}

// parseIgnoreItem reads "<sender|message> <pattern> [soft|hard] [regex]".
// Rules are global and active.
func parseIgnoreItem(args []string) (*syncables.IgnoreListItem, error) {
	if len(args) < 2 {
		return nil, ErrUsage
	}
	var typ syncables.IgnoreType
	switch args[0] {
	case "sender":
		typ = syncables.SenderIgnore
	case "message":
		typ = syncables.MessageIgnore
	default:
		return nil, fmt.Errorf("bad ignore type %q", args[0])
	}
	strictness, regex := host.Soft, false
	for _, opt := range args[2:] {
		switch opt {
		case "soft":
			strictness = host.Soft
		case "hard":
			strictness = host.Hard
		case "regex":
			regex = true
		default:
			return nil, fmt.Errorf("bad ignore option %q", opt)
		}
	}
	return syncables.NewIgnoreListItem(typ, args[1], regex, strictness, syncables.GlobalScope, "", true), nil
}

func (repl *REPL) CommandMatch(args []string) error {
	if len(args) < 2 {
		return ErrUsage
	}
	s := repl.Session.IgnoreList().Match(strings.Join(args[1:], " "), args[0], variant.MessagePlain, "", "")
	repl.printf("%s\n", s)
	return nil
}

func formatMessage(msg variant.Message) string {
	ts := msg.Timestamp.Local().Format("15:04:05")
	nick, _, _ := strings.Cut(msg.Sender, "!")
	switch {
	case msg.Type.Has(variant.MessageAction):
		return fmt.Sprintf("%s %s * %s %s", ts, msg.Buffer.Name, nick, msg.Content)
	case msg.Type.Has(variant.MessagePlain), msg.Type.Has(variant.MessageNotice):
		return fmt.Sprintf("%s %s <%s%s> %s", ts, msg.Buffer.Name, msg.SenderPrefixes, nick, msg.Content)
	default:
		return fmt.Sprintf("%s %s -%s- %s", ts, msg.Buffer.Name, nick, msg.Content)
	}
}
