package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ergochat/readline"

	"github.com/quasseldroid/libquassel"
	"github.com/quasseldroid/libquassel/storage"
)

// REPL per se.
type REPL struct {
	Session *libquassel.Session
	Store   *storage.Store

	rl  *readline.Instance
	out io.Writer
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("state"),
	readline.PcItem("buffers"),

	readline.PcItem("backlog"),
	readline.PcItem("history"),

	readline.PcItem("ignore",
		readline.PcItem("list"),
		readline.PcItem("add"),
		readline.PcItem("remove"),
		readline.PcItem("toggle"),
	),
	readline.PcItem("match"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "quassel", "shell_history")
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     historyFile(),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	if repl.out == nil {
		repl.out = os.Stdout
	}
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

// Run reads commands until quit, end of input or the session closing.
func (repl *REPL) Run() error {
	rl := repl.rl
	go func() {
		<-repl.Session.Done()
		_, _ = fmt.Fprintf(repl.out, "session closed: %v\n", repl.Session.Err())
		_ = rl.Close()
	}()
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		err = repl.Execute(line)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			_, _ = fmt.Fprintf(repl.out, "%s\n", err.Error())
		}
	}
}

// Execute runs one command line. quit and exit return io.EOF.
func (repl *REPL) Execute(line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "help":
		return repl.CommandHelp(args)
	case "state":
		return repl.CommandState(args)
	case "buffers":
		return repl.CommandBuffers(args)
	// ----- history -----
	case "backlog":
		return repl.CommandBacklog(args)
	case "history":
		return repl.CommandHistory(args)
	// ----- ignore rules -----
	case "ignore":
		return repl.CommandIgnore(args)
	case "match":
		return repl.CommandMatch(args)
	case "exit", "quit":
		return io.EOF
	default:
		return fmt.Errorf("command unknown: %s", cmd)
	}
}
