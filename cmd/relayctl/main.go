// Command relayctl talks to a running relay: history maintenance over HTTP and
// statistics over the control socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"

	"dmrelay/control"
)

const usage = `usage: relayctl [flags] <command> [args]

commands:
  history <user1> <user2>          print the conversation between two users
  clear <user1> <user2>            delete the conversation between two users
  post <sender> <receiver> <text>  store a message without relaying it
  users                            list known users
  stats                            query the control socket
  shutdown                         stop the relay through the control socket
`

type options struct {
	addr    string
	socket  string
	timeout time.Duration
}

func main() {
	var opts options
	fs := flag.NewFlagSet("relayctl", flag.ExitOnError)
	fs.StringVar(&opts.addr, "addr", envOr("RELAY_URL", "http://localhost:3000"), "relay base URL")
	fs.StringVar(&opts.socket, "control-socket", envOr("RELAY_CONTROL_SOCKET", "/tmp/dmrelay.sock"), "control socket path")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	_ = fs.Parse(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, fs.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var errUsage = errors.New("invalid arguments")

type message struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Text     string `json:"text"`
	Time     string `json:"time"`
}

type apiError struct {
	Error string `json:"error"`
}

func run(ctx context.Context, opts options, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errUsage
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.addr, "/")).
		SetTimeout(opts.timeout).
		SetHeader("Accept", "application/json")

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "history":
		if len(rest) != 2 {
			return fmt.Errorf("%w: history needs two usernames", errUsage)
		}
		var messages []message
		if err := do(client.R().SetContext(ctx).
			SetQueryParams(map[string]string{"user1": rest[0], "user2": rest[1]}).
			SetResult(&messages), "GET"); err != nil {
			return err
		}
		for _, m := range messages {
			fmt.Fprintf(out, "%s %s -> %s: %s\n", m.Time, m.Sender, m.Receiver, m.Text)
		}
		return nil

	case "clear":
		if len(rest) != 2 {
			return fmt.Errorf("%w: clear needs two usernames", errUsage)
		}
		var result struct {
			Deleted int64 `json:"deleted"`
		}
		if err := do(client.R().SetContext(ctx).
			SetQueryParams(map[string]string{"user1": rest[0], "user2": rest[1]}).
			SetResult(&result), "DELETE"); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted %d messages\n", result.Deleted)
		return nil

	case "post":
		if len(rest) < 3 {
			return fmt.Errorf("%w: post needs sender, receiver and text", errUsage)
		}
		var m message
		if err := do(client.R().SetContext(ctx).
			SetBody(message{Sender: rest[0], Receiver: rest[1], Text: strings.Join(rest[2:], " ")}).
			SetResult(&m), "POST"); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s -> %s: %s\n", m.Time, m.Sender, m.Receiver, m.Text)
		return nil

	case "users":
		var users []string
		if err := do(client.R().SetContext(ctx).SetResult(&users), "GET", "/api/users"); err != nil {
			return err
		}
		for _, u := range users {
			fmt.Fprintln(out, u)
		}
		return nil

	case "stats", "shutdown":
		reply, err := control.Query(opts.socket, cmd)
		if err != nil {
			return fmt.Errorf("control socket: %w", err)
		}
		status, body, _ := strings.Cut(reply, "|")
		if status != "OK" {
			return fmt.Errorf("control socket: %s", body)
		}
		fmt.Fprintln(out, body)
		return nil

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

// do sends req to path (the message endpoint by default) and turns non-2xx
// answers into errors carrying the relay's message.
func do(req *resty.Request, method string, path ...string) error {
	url := "/api/message"
	if len(path) > 0 {
		url = path[0]
	}
	var apiErr apiError
	resp, err := req.SetError(&apiErr).Execute(method, url)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	if resp.IsError() {
		if apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, url, apiErr.Error, resp.StatusCode())
		}
		return fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode())
	}
	return nil
}
