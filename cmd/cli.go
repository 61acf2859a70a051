// Package cmd is cdr-cli: a client that sends length-prefixed frames to a
// server over TCP or a local pipe and prints the replies. With arguments it
// sends them once (or -r times); on a terminal it opens an interactive
// prompt; otherwise it sends every line of standard input.
package cmd

import (
	"bufio"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fzft/go-proactor/cdr"
	"github.com/fzft/go-proactor/deps/linenoise"
	"github.com/fzft/go-proactor/ioerr"
	"github.com/mattn/go-isatty"
)

var (
	Version = "0.1.0"

	CliDefaultPort    = 7379
	CliDefaultTimeout = 5 * time.Second
	CliHisFileEnv     = "CDRCLI_HISTFILE"
	CliHisFileDefault = ".cdrcli_history"
)

var errQuit = errors.New("quit")

type CliConnectFlag int

const (
	CCForce CliConnectFlag = 1 << iota // Re-connect if already connected.
	CCQuiet                            // Don't show non-error messages.
)

type OutputMode uint8

const (
	OutputStandard OutputMode = iota
	OutputRaw
)

type ConnInfo struct {
	hostIp   string
	hostPort int
	pipePath string
}

type CliCfg struct {
	connInfo    *ConnInfo
	header      cdr.Header
	compress    bool
	timeout     time.Duration
	repeat      int
	interval    time.Duration
	interactive bool
	output      OutputMode
	prompt      string
	args        []string
}

type Cli struct {
	config *CliCfg
	client *Client
	out    io.Writer
	errOut io.Writer
}

func New() *Cli {
	return &Cli{
		config: &CliCfg{
			connInfo: &ConnInfo{hostIp: "127.0.0.1", hostPort: CliDefaultPort},
			header:   cdr.Long,
			timeout:  CliDefaultTimeout,
			repeat:   1,
		},
		out:    os.Stdout,
		errOut: os.Stderr,
	}
}

func (cli *Cli) Usage(out io.Writer) {
	fmt.Fprintf(out, `cdr-cli %s

Usage: cdr-cli [OPTIONS] [message ...]
  -h <hostname>      Server hostname (default: 127.0.0.1).
  -p <port>          Server port (default: %d).
  -s <pipe>          Local pipe name or path (overrides hostname and port).
  -t <duration>      Per request timeout (default: %s).
  -r <repeat>        Send the message N times.
  -i <interval>      When -r is used, wait <interval> between sends.
  -2                 Use a 2 byte length header instead of 4.
  --le               Encode the length header little-endian.
  -z                 Compress bodies with zstd.
  --raw              Print replies as they are, without quoting.
  --help             Output this help and exit.

Without a message the client reads lines from standard input, or opens an
interactive prompt when standard input is a terminal.
`, Version, CliDefaultPort, CliDefaultTimeout)
}

// ParseArgs reads the command line; flag.ErrHelp means usage was asked for.
func (cli *Cli) ParseArgs(args []string) error {
	cfg := cli.config
	fs := flag.NewFlagSet("cdr-cli", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.connInfo.hostIp, "h", cfg.connInfo.hostIp, "")
	fs.IntVar(&cfg.connInfo.hostPort, "p", cfg.connInfo.hostPort, "")
	fs.StringVar(&cfg.connInfo.pipePath, "s", "", "")
	fs.DurationVar(&cfg.timeout, "t", cfg.timeout, "")
	fs.IntVar(&cfg.repeat, "r", cfg.repeat, "")
	fs.DurationVar(&cfg.interval, "i", 0, "")
	short := fs.Bool("2", false, "")
	le := fs.Bool("le", false, "")
	fs.BoolVar(&cfg.compress, "z", false, "")
	raw := fs.Bool("raw", false, "")
	help := fs.Bool("help", false, "")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *help {
		return flag.ErrHelp
	}
	if cfg.repeat <= 0 {
		return fmt.Errorf("invalid repeat count %d", cfg.repeat)
	}
	if cfg.connInfo.hostPort <= 0 || cfg.connInfo.hostPort > 0xFFFF {
		return fmt.Errorf("invalid port %d", cfg.connInfo.hostPort)
	}
	if *short {
		cfg.header.Size = 2
	}
	if *le {
		cfg.header.Order = binary.LittleEndian
	}
	if *raw {
		cfg.output = OutputRaw
	}
	cfg.args = fs.Args()
	return nil
}

func (cli *Cli) Run() error {
	cfg := cli.config
	defer cli.disconnect()

	if len(cfg.args) > 0 {
		if err := cli.connect(0); err != nil {
			return err
		}
		msg := strings.Join(cfg.args, " ")
		for i := 0; i < cfg.repeat; i++ {
			if i > 0 && cfg.interval > 0 {
				time.Sleep(cfg.interval)
			}
			if err := cli.send(msg); err != nil {
				return err
			}
		}
		return nil
	}

	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		cli.repl()
		return nil
	}
	return cli.batch(os.Stdin)
}

// connect opens the connection.
// flag: CCForce: reconnect even when connected.
//
//	CCQuiet: don't print connection errors.
func (cli *Cli) connect(flag CliConnectFlag) error {
	if cli.client != nil && flag&CCForce == 0 {
		return nil
	}
	cli.disconnect()
	cfg := cli.config
	client, err := Dial(cfg.connInfo, cfg.header, cfg.compress, cfg.timeout)
	if err != nil {
		if flag&CCQuiet == 0 {
			fmt.Fprintf(cli.errOut, "Could not connect to %s: %s\n", cli.target(), err)
		}
		return err
	}
	cli.client = client
	return nil
}

func (cli *Cli) disconnect() {
	if cli.client != nil {
		cli.client.Close()
		cli.client = nil
	}
}

func (cli *Cli) target() string {
	info := cli.config.connInfo
	if info.pipePath != "" {
		return info.pipePath
	}
	return fmt.Sprintf("%s:%d", info.hostIp, info.hostPort)
}

// send exchanges one frame and prints the reply. A broken connection is
// dropped so the next command reconnects.
func (cli *Cli) send(msg string) error {
	if cli.client == nil {
		if err := cli.connect(0); err != nil {
			return err
		}
	}
	start := time.Now()
	reply, err := cli.client.Call([]byte(msg))
	if err != nil {
		if errors.Is(err, ioerr.ErrShutdown) || errors.Is(err, ioerr.ErrClosed) || ioerr.IsTimeout(err) {
			cli.disconnect()
		}
		fmt.Fprintf(cli.errOut, "(error) %s\n", err)
		return err
	}
	cli.printReply(reply)
	if cli.config.interactive {
		fmt.Fprintf(cli.out, "(%.2fs)\n", time.Since(start).Seconds())
	}
	return nil
}

func (cli *Cli) printReply(reply []byte) {
	if cli.config.output == OutputRaw {
		fmt.Fprintf(cli.out, "%s\n", reply)
		return
	}
	fmt.Fprintf(cli.out, "%q\n", reply)
}

func (cli *Cli) repl() {
	cli.config.interactive = true
	ln := linenoise.New()
	defer ln.Close()

	historyFile := getDotfilePath(CliHisFileEnv, CliHisFileDefault)
	if historyFile != "" {
		ln.HistoryLoad(historyFile)
	}

	cli.connect(CCQuiet)
	cli.refreshPrompt()
	for {
		prompt := cli.config.prompt
		if cli.client == nil {
			prompt = "not connected> "
		}
		line, err := ln.Prompt(prompt)
		if err != nil {
			break
		}
		argv := splitArgs(line)
		if argv == nil && strings.TrimSpace(line) != "" {
			fmt.Fprintln(cli.out, "Invalid argument(s)")
			continue
		} else if len(argv) == 0 {
			continue
		}
		ln.AppendHistory(line)
		if historyFile != "" {
			ln.HistorySave(historyFile)
		}

		if strings.EqualFold(argv[0], "clear") && len(argv) == 1 {
			ln.ClearScreen()
			continue
		}
		if err := cli.dispatch(argv, line); err == errQuit {
			return
		}
	}
}

// batch sends every non-empty input line as one request.
func (cli *Cli) batch(r io.Reader) error {
	if err := cli.connect(0); err != nil {
		return err
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := cli.send(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

// dispatch handles built-in commands and sends everything else. A leading
// number repeats the command.
func (cli *Cli) dispatch(argv []string, line string) error {
	repeat := 1
	if n, err := strconv.Atoi(argv[0]); err == nil && len(argv) > 1 {
		if n <= 0 {
			fmt.Fprintln(cli.out, "Invalid repeat command option value.")
			return nil
		}
		repeat = n
		argv = argv[1:]
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), strconv.Itoa(n)))
	}

	name := strings.ToLower(argv[0])
	if c, ok := lookupCommand(name); ok {
		if len(argv)-1 < c.minArgs || len(argv)-1 > c.maxArgs {
			fmt.Fprintf(cli.out, "Usage: %s %s\n", c.name, c.params)
			return nil
		}
		return cli.builtin(name, argv[1:])
	}

	for i := 0; i < repeat; i++ {
		if err := cli.send(line); err != nil {
			break
		}
	}
	return nil
}

func (cli *Cli) builtin(name string, args []string) error {
	cfg := cli.config
	switch name {
	case "quit", "exit":
		return errQuit
	case "help":
		for _, c := range cliCommands {
			fmt.Fprintf(cli.out, "  %-10s %-24s %s\n", c.name, c.params, c.summary)
		}
	case "clear":
		fmt.Fprint(cli.out, "\x1b[H\x1b[2J")
	case "connect":
		if len(args) == 2 {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				fmt.Fprintln(cli.out, "Invalid port number")
				return nil
			}
			cfg.connInfo.hostIp, cfg.connInfo.hostPort, cfg.connInfo.pipePath = args[0], port, ""
		} else {
			cfg.connInfo.pipePath = args[0]
		}
		cli.refreshPrompt()
		cli.connect(CCForce)
	case ":compress":
		switch strings.ToLower(args[0]) {
		case "on":
			cfg.compress = true
		case "off":
			cfg.compress = false
		default:
			fmt.Fprintln(cli.out, "Expected on or off")
			return nil
		}
		if cli.client != nil {
			cli.client.SetCompress(cfg.compress)
		}
	case ":timeout":
		d, err := time.ParseDuration(args[0])
		if err != nil {
			fmt.Fprintln(cli.out, "Invalid duration")
			return nil
		}
		cfg.timeout = d
		if cli.client != nil {
			cli.client.SetTimeout(d)
		}
	}
	return nil
}

func (cli *Cli) refreshPrompt() {
	prompt := cli.target()
	if cli.config.compress {
		prompt = fmt.Sprintf("%s[zstd]", prompt)
	}
	cli.config.prompt = fmt.Sprintf("%s> ", prompt)
}

// splitArgs splits a line on blanks, keeping double quoted runs together.
func splitArgs(line string) []string {
	var (
		argv    []string
		cur     strings.Builder
		quoted  bool
		started bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			started = true
		case (r == ' ' || r == '\t') && !quoted:
			if started {
				argv = append(argv, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if quoted {
		return nil
	}
	if started {
		argv = append(argv, cur.String())
	}
	return argv
}

func getDotfilePath(envOverride, dotFilename string) string {
	path := os.Getenv(envOverride)
	if path != "" {
		if path == os.DevNull {
			return ""
		}
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, dotFilename)
}

// Main runs the client and returns the process exit code.
func Main(args []string) int {
	cli := New()
	if err := cli.ParseArgs(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			cli.Usage(os.Stdout)
			return 0
		}
		fmt.Fprintf(os.Stderr, "Unrecognized option or bad argument: %s\n\n", err)
		cli.Usage(os.Stderr)
		return 1
	}
	if err := cli.Run(); err != nil {
		return 1
	}
	return 0
}
