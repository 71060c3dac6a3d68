package probe

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/webboard/wsprobe/pkg/wsrpc"
)

// Console is the interactive probe: one line of input per command,
// dispatched through a fixed table, raw responses printed with no
// assertions.
type Console struct {
	client *wsrpc.Client
	in     io.Reader
	out    io.Writer
	log    zerolog.Logger
}

func NewConsole(client *wsrpc.Client, in io.Reader, out io.Writer, log zerolog.Logger) *Console {
	return &Console{
		client: client,
		in:     in,
		out:    out,
		log:    log.With().Str("component", "console").Logger(),
	}
}

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, c *Console, args string) error
}

// Keyword dispatch table. quit and help are loop control and live in
// Run itself.
var commands = map[string]command{
	"ping": {
		usage: "ping",
		help:  "call the ping method",
		run: func(ctx context.Context, c *Console, args string) error {
			return c.printCall(ctx, "ping", nil)
		},
	},
	"echo": {
		usage: "echo <message|json5>",
		help:  "call echo; a JSON5 argument is sent as-is, plain text as {\"message\": ...}",
		run: func(ctx context.Context, c *Console, args string) error {
			if args == "" {
				fmt.Fprintf(c.out, "Usage: echo <message|json5>\n")
				return nil
			}
			var params any = map[string]any{"message": args}
			var parsed any
			if err := json5.Unmarshal([]byte(args), &parsed); err == nil {
				params = parsed
			}
			return c.printCall(ctx, "echo", params)
		},
	},
	"add": {
		usage: "add <a> <b>",
		help:  "call add with two numbers",
		run: func(ctx context.Context, c *Console, args string) error {
			parts := strings.Fields(args)
			if len(parts) != 2 {
				fmt.Fprintf(c.out, "Usage: add <number1> <number2>\n")
				return nil
			}
			a, errA := strconv.ParseFloat(parts[0], 64)
			b, errB := strconv.ParseFloat(parts[1], 64)
			if errA != nil || errB != nil {
				fmt.Fprintf(c.out, "Usage: add <number1> <number2>\n")
				return nil
			}
			return c.printCall(ctx, "add", []float64{a, b})
		},
	},
	"info": {
		usage: "info",
		help:  "call getServerInfo",
		run: func(ctx context.Context, c *Console, args string) error {
			return c.printCall(ctx, "getServerInfo", nil)
		},
	},
	"notify": {
		usage: "notify <method> [json5 params]",
		help:  "send a notification (no response expected)",
		run: func(ctx context.Context, c *Console, args string) error {
			method, rest, _ := strings.Cut(args, " ")
			if method == "" {
				fmt.Fprintf(c.out, "Usage: notify <method> [params]\n")
				return nil
			}
			var params any
			if rest = strings.TrimSpace(rest); rest != "" {
				if err := json5.Unmarshal([]byte(rest), &params); err != nil {
					fmt.Fprintf(c.out, "Bad params: %v\n", err)
					return nil
				}
			}
			if err := c.client.Notify(ctx, method, params); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "(no response expected for notifications)\n")
			return nil
		},
	},
}

// Run reads commands until quit or EOF. Command failures print and the
// loop keeps going; only transport loss ends it with an error.
func (c *Console) Run(ctx context.Context) error {
	c.printHelp()
	sc := bufio.NewScanner(c.in)
	for {
		fmt.Fprintf(c.out, "> ")
		if !sc.Scan() {
			break
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		keyword, args, _ := strings.Cut(line, " ")
		args = strings.TrimSpace(args)

		switch keyword {
		case "quit":
			return nil
		case "help":
			c.printHelp()
			continue
		}

		cmd, ok := commands[keyword]
		if !ok {
			fmt.Fprintf(c.out, "Unknown command: %s\n", keyword)
			continue
		}
		c.log.Debug().Str("command", keyword).Str("args", args).Msg("Dispatching command")
		if err := cmd.run(ctx, c, args); err != nil {
			var terr *wsrpc.TransportError
			if errors.As(err, &terr) {
				fmt.Fprintf(c.out, "Connection lost: %v\n", err)
				return err
			}
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	}
	return sc.Err()
}

// printCall issues the call and prints the raw outcome. A RemoteError
// is a printable response here, not a failure.
func (c *Console) printCall(ctx context.Context, method string, params any) error {
	var result json.RawMessage
	err := c.client.Call(ctx, method, params, &result)
	var remote *wsrpc.RemoteError
	switch {
	case err == nil:
		fmt.Fprintf(c.out, "← result: %s\n", result)
	case errors.As(err, &remote):
		fmt.Fprintf(c.out, "← error %d: %s\n", remote.Code, remote.Message)
		if len(remote.Data) > 0 {
			fmt.Fprintf(c.out, "  data: %s\n", remote.Data)
		}
	default:
		return err
	}
	return nil
}

func (c *Console) printHelp() {
	fmt.Fprintf(c.out, "Commands:\n")
	order := []string{"ping", "echo", "add", "info", "notify"}
	for _, name := range order {
		cmd := commands[name]
		fmt.Fprintf(c.out, "  %-28s %s\n", cmd.usage, cmd.help)
	}
	fmt.Fprintf(c.out, "  %-28s %s\n", "help", "show this help")
	fmt.Fprintf(c.out, "  %-28s %s\n", "quit", "exit")
}
