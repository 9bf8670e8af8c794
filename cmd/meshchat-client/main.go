// Command meshchat-client is a line-oriented terminal chat client. Lines read
// from stdin are sent as encrypted TEXT messages; inbound traffic is printed
// one event per line.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/networkmesh/meshchat/client"
	"github.com/networkmesh/meshchat/crypto/identity"
	"github.com/networkmesh/meshchat/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("meshchat-client", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		showVersion bool
		addr        string
		userID      string
		username    string
		keyFile     string
	)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&addr, "addr", "127.0.0.1:8080", "server address")
	fs.StringVar(&userID, "user", "", "user id (required)")
	fs.StringVar(&username, "name", "", "display name (defaults to the user id)")
	fs.StringVar(&keyFile, "key-file", "", "RSA identity file, generated if absent; empty uses a throwaway key")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintln(stdout, version.String(buildVersion, buildCommit, buildDate))
		return 0
	}
	if userID == "" {
		fmt.Fprintln(stderr, "missing --user")
		fs.Usage()
		return 2
	}
	if username == "" {
		username = userID
	}

	var key *identity.Key
	if keyFile != "" {
		k, err := identity.LoadOrGenerate(keyFile)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		key = k
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, addr, client.Options{
		UserID:        userID,
		Username:      username,
		Key:           key,
		ClientVersion: version.Number(buildVersion),
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer c.Close()
	fmt.Fprintf(stdout, "connected to %s (server %s)\n", addr, c.ServerVersion())

	events := make(chan client.Event, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			ev, err := c.Next()
			if err != nil {
				readErr <- err
				return
			}
			events <- ev
		}
	}()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(stdout, "bye")
			return 0
		case err := <-readErr:
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, client.ErrClosed) {
				fmt.Fprintln(stdout, "connection closed")
				return 0
			}
			fmt.Fprintln(stderr, err)
			return 1
		case ev := <-events:
			printEvent(stdout, ev)
			if ev.Kind == client.EventDisconnect {
				return 0
			}
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/quit" {
				return 0
			}
			if err := c.SendText(line); err != nil {
				fmt.Fprintln(stderr, err)
			}
		}
	}
}

func printEvent(w io.Writer, ev client.Event) {
	ts := time.UnixMilli(ev.Timestamp).Format("15:04:05")
	switch ev.Kind {
	case client.EventMessage:
		fmt.Fprintf(w, "[%s] %s: %s\n", ts, ev.SenderName, ev.Text)
	case client.EventSystem:
		fmt.Fprintf(w, "[%s] * %s\n", ts, ev.Text)
	case client.EventUserList:
		names := make([]string, 0, len(ev.Users.Users))
		for _, u := range ev.Users.Users {
			if u.IsOnline {
				names = append(names, u.Username)
			}
		}
		fmt.Fprintf(w, "[%s] online (%d): %s\n", ts, ev.Users.OnlineUsers, strings.Join(names, ", "))
	case client.EventError:
		fmt.Fprintf(w, "[%s] server error %s: %s\n", ts, ev.Err.Code, ev.Err.Message)
	case client.EventDisconnect:
		fmt.Fprintf(w, "[%s] server closed the session\n", ts)
	}
}
