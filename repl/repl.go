// Interactive shell over an opened build: extract files, inspect
// manifests and watch the mirror pool without re-opening the build for
// every request.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ergochat/readline"
	"github.com/spf13/pflag"

	"github.com/ngdplib/tact"
)

type REPL struct {
	ctx    context.Context
	client *tact.Client
	rl     *readline.Instance
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("extract",
		readline.PcItem("fdid"),
		readline.PcItem("ckey"),
		readline.PcItem("ekey"),
		readline.PcItem("name"),
	),

	readline.PcItem("info"),
	readline.PcItem("mirrors"),

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

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "tact> ",
		HistoryFile:     ".tact_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

// REPL reads and runs one command. io.EOF ends the session.
func (repl *REPL) REPL() error {
	line, err := repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}

	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	cmd := line
	arg := ""
	if ws := strings.IndexAny(line, " \t"); ws > 0 {
		cmd = line[:ws]
		arg = strings.TrimSpace(line[ws:])
	}

	switch cmd {
	case "help":
		err = repl.CommandHelp()
	case "extract":
		err = repl.CommandExtract(arg)
	case "info":
		err = repl.CommandInfo()
	case "mirrors":
		err = repl.CommandMirrors()
	case "exit", "quit":
		return io.EOF
	default:
		fmt.Printf("unknown command %q, try help\n", cmd)
	}
	if err != nil && err != io.EOF {
		fmt.Println(err.Error())
		err = nil
	}
	return err
}

var (
	productFlag = pflag.String("product", "wow", "TACT product code")
	regionFlag  = pflag.String("region", "us", "patch service region")
	localeFlag  = pflag.String("locale", "enUS", "content locale")
	cacheFlag   = pflag.String("cacheDirectory", "", "persistent download cache root")
	baseFlag    = pflag.String("baseDirectory", "", "installed game directory")
)

func main() {
	pflag.Parse()
	ctx := context.Background()

	client, err := tact.Open(ctx, tact.Options{
		Product:  *productFlag,
		Region:   *regionFlag,
		Locale:   *localeFlag,
		CacheDir: *cacheFlag,
		BaseDir:  *baseFlag,
	})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer client.Close()

	repl := REPL{ctx: ctx, client: client}
	if err := repl.Open(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer func() { _ = repl.Close() }()

	for {
		if err := repl.REPL(); err != nil {
			break
		}
	}
}
