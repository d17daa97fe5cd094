// Command acfctl is the fabric's operator CLI: force-release a stuck
// SessionMutex, inspect whether a session has an active workflow, and
// tail the live event stream a running acfd publishes to Redis.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/redis/go-redis/v9"

	"github.com/acme/acf/pkg/activeindex"
	"github.com/acme/acf/pkg/fencedlock"
	"github.com/acme/acf/pkg/sessionkey"
)

// redisEventsChannel mirrors cmd/acfd's publish channel; the two
// binaries agree on it by convention, not a shared package, since it is
// the only piece of wire contract between them.
const redisEventsChannel = "acf:events"

// CLI defines acfctl's command-line interface.
type CLI struct {
	Release ReleaseCmd `cmd:"" help:"Force-release a session's mutex."`
	Inspect InspectCmd `cmd:"" help:"Show the active workflow for a session."`
	Tail    TailCmd    `cmd:"" help:"Tail the live fabric event stream."`

	RedisAddr string `help:"Redis address." default:"localhost:6379"`
	RedisDB   int    `help:"Redis database index." default:"0"`
}

func (c *CLI) client() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: c.RedisAddr, DB: c.RedisDB})
}

// sessionArgs are the four components the release and inspect commands
// need to rebuild a sessionkey.Key; kong flattens them onto each of them.
type sessionArgs struct {
	Tenant       string `arg:"" help:"Tenant id."`
	Agent        string `arg:"" help:"Agent id."`
	Interlocutor string `arg:"" help:"Interlocutor id."`
	Channel      string `arg:"" help:"Channel name."`
}

func (a sessionArgs) key() sessionkey.Key {
	return sessionkey.New(a.Tenant, a.Agent, a.Interlocutor, a.Channel)
}

// ReleaseCmd force-releases a SessionMutex an operator has determined is
// stuck -- e.g. its holder crashed mid-Step-3 without Extend-ing or
// releasing it, and the lock's TTL has not yet elapsed on its own.
type ReleaseCmd struct {
	sessionArgs `embed:""`
}

func (c *ReleaseCmd) Run(cli *CLI) error {
	client := cli.client()
	defer client.Close()

	lock := fencedlock.New(client)
	released, err := lock.ForceRelease(context.Background(), c.key().String())
	if err != nil {
		return fmt.Errorf("acfctl: %w", err)
	}
	if released {
		fmt.Printf("released mutex for session %s\n", c.key())
	} else {
		fmt.Printf("no mutex held for session %s\n", c.key())
	}
	return nil
}

// InspectCmd reports whether the ActiveTurnIndex has a running workflow
// registered for a session.
type InspectCmd struct {
	sessionArgs `embed:""`
}

func (c *InspectCmd) Run(cli *CLI) error {
	client := cli.client()
	defer client.Close()

	index := activeindex.New(client)
	workflowID, err := index.Get(context.Background(), c.key().String())
	if err != nil {
		if err == activeindex.ErrNotFound {
			fmt.Printf("session %s has no active workflow\n", c.key())
			return nil
		}
		return fmt.Errorf("acfctl: %w", err)
	}
	fmt.Printf("session %s -> workflow %s\n", c.key(), workflowID)
	return nil
}

// TailCmd subscribes to the Redis channel acfd republishes every routed
// fabricevent.Event on and prints each as it arrives, until interrupted.
type TailCmd struct{}

func (c *TailCmd) Run(cli *CLI) error {
	client := cli.client()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := client.Subscribe(ctx, redisEventsChannel)
	defer sub.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Printf("tailing %s (ctrl-c to stop)\n", redisEventsChannel)
	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var pretty map[string]any
			if err := json.Unmarshal([]byte(msg.Payload), &pretty); err != nil {
				fmt.Println(msg.Payload)
				continue
			}
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
		case <-ctx.Done():
			return nil
		}
	}
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("acfctl"),
		kong.Description("Agent Conversation Fabric operator CLI"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
