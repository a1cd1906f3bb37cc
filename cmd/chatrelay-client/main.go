// Command chatrelay-client is a terminal consumer of the relay client
// library: lines from stdin become chat messages, inbound events are
// printed as they arrive.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chatrelay/chatrelay/internal/client"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		target   string
		username string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:           "chatrelay-client",
		Short:         "Connect to a chat relay and talk from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level, err := log.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)
			return run(target, username)
		},
	}

	cmd.Flags().StringVar(&target, "server", "localhost:3000", "relay address, host:port or ws://host:port/ws")
	cmd.Flags().StringVar(&username, "username", "", "username to identify as")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "logrus level (trace..panic)")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}

func run(target, username string) error {
	c, err := client.Dial(target, username)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("connected to %s as %s; type to chat, /quit to leave\n", target, username)

	go printEvents(c)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "/quit" {
			break
		}
		if line == "" {
			continue
		}
		if err := c.Send(line); err != nil {
			if errors.Is(err, client.ErrNotConnected) {
				return nil
			}
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		}
	}
	return scanner.Err()
}

func printEvents(c *client.Client) {
	for {
		select {
		case ev := <-c.Events():
			printEvent(ev)
		case <-c.Done():
			return
		}
	}
}

func printEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventChat:
		fmt.Printf("%s: %s\n", ev.Username, ev.Text)
	case client.EventSent:
		fmt.Printf("you: %s\n", ev.Text)
	case client.EventNotice:
		fmt.Printf("* %s\n", ev.Text)
	case client.EventTypingStarted:
		fmt.Printf("* %s is typing...\n", ev.Username)
	case client.EventTypingStopped:
		// Quietly forget; the next message or notice moves the screen on.
	case client.EventKicked:
		fmt.Printf("* kicked from the server: %s\n", ev.Text)
	case client.EventConnectionLost:
		fmt.Printf("* connection lost: %s\n", ev.Text)
	}
}
