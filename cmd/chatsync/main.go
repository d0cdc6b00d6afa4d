// chatsync - An offline-first message synchronization engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// chatsync is an inspection tool for a local chatsync store: list
// conversations, dump a conversation's messages in render order, show
// the retry queue, or follow the store file and print messages as they
// are written.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/syncer"
)

var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "chatsync",
		Usage:   "inspect an offline-first chat sync store",
		Version: fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a chatsync config file",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "path to the sqlite store (overrides config)",
			},
			&cli.StringFlag{
				Name:     "account",
				Aliases:  []string{"a"},
				Usage:    "account id the store rows are scoped to",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "conversations",
				Usage:  "list conversations, most recently active first",
				Action: withStore(listConversations),
			},
			{
				Name:      "messages",
				Usage:     "dump a conversation's messages in render order",
				ArgsUsage: "<conversation-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "failed",
						Usage: "only show permanently failed sends",
					},
				},
				Action: withStore(listMessages),
			},
			{
				Name:   "queue",
				Usage:  "show the retry queue",
				Action: withStore(showQueue),
			},
			{
				Name:      "tail",
				Usage:     "follow the store file and print new messages",
				ArgsUsage: "<conversation-id>",
				Action:    withStore(tailMessages),
			},
			{
				Name:  "example-config",
				Usage: "print the example config",
				Action: func(c *cli.Context) error {
					fmt.Print(syncer.ExampleConfig)
					return nil
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type storeAction func(c *cli.Context, store *syncer.Store, dbPath string) error

func withStore(action storeAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		level := zerolog.WarnLevel
		if c.Bool("debug") {
			level = zerolog.DebugLevel
		}
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).
			With().Timestamp().Logger()

		dbPath := c.String("db")
		if dbPath == "" && c.String("config") != "" {
			cfg, err := syncer.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			dbPath = cfg.DatabasePath
		}
		if dbPath == "" {
			return fmt.Errorf("no store path: pass --db or a config with database_path")
		}

		store, err := syncer.OpenStore(c.Context, dbPath, c.String("account"), log)
		if err != nil {
			return err
		}
		defer store.Close()
		return action(c, store, dbPath)
	}
}

func listConversations(c *cli.Context, store *syncer.Store, _ string) error {
	conversations, err := store.Conversations(c.Context)
	if err != nil {
		return err
	}
	for _, conv := range conversations {
		unread, err := store.UnreadCount(c.Context, conv.ID, c.String("account"))
		if err != nil {
			return err
		}
		kind := "dm"
		if conv.IsGroup {
			kind = "group"
		}
		fmt.Printf("%s  [%s, %d participants, %d unread]  %s  %s\n",
			conv.ID, kind, len(conv.ParticipantIDs), unread,
			formatTime(conv.LastMessageAt), conv.LastMessageText)
	}
	return nil
}

func listMessages(c *cli.Context, store *syncer.Store, _ string) error {
	conversationID := c.Args().First()
	if conversationID == "" {
		return fmt.Errorf("usage: chatsync messages <conversation-id>")
	}
	var messages []*syncer.Message
	var err error
	if c.Bool("failed") {
		messages, err = store.FailedMessages(c.Context, conversationID)
	} else {
		messages, err = store.Messages(c.Context, conversationID)
	}
	if err != nil {
		return err
	}
	for _, msg := range messages {
		printMessage(msg)
	}
	return nil
}

func printMessage(msg *syncer.Message) {
	marker := " "
	switch msg.SyncStatus {
	case syncer.SyncPending:
		marker = "~"
	case syncer.SyncFailed:
		marker = "!"
	}
	seq := "-"
	if msg.SequenceNumber != nil {
		seq = fmt.Sprintf("%d", *msg.SequenceNumber)
	}
	fmt.Printf("%s %s  seq=%s  %s/%s  %s: %s\n",
		marker, formatTime(msg.LocalCreatedAt), seq,
		msg.SyncStatus, msg.DeliveryState, msg.SenderID, msg.Text)
}

func showQueue(c *cli.Context, store *syncer.Store, _ string) error {
	items, err := store.RetryItems(c.Context)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("retry queue is empty")
		return nil
	}
	for _, item := range items {
		fmt.Printf("#%d  %s  conv=%s  attempts=%d  next=%s  last_error=%s\n",
			item.QueueID, item.Kind, item.ConversationID, item.Attempts,
			formatTime(item.NotBefore), item.LastError)
	}
	return nil
}

// tailMessages watches the store file with fsnotify and prints messages
// as they appear. sqlite writes land in the -wal file, so the whole
// directory is watched and events are filtered by name prefix.
func tailMessages(c *cli.Context, store *syncer.Store, dbPath string) error {
	conversationID := c.Args().First()
	if conversationID == "" {
		return fmt.Errorf("usage: chatsync tail <conversation-id>")
	}

	seen := make(map[string]bool)
	printNew := func() error {
		messages, err := store.Messages(c.Context, conversationID)
		if err != nil {
			return err
		}
		for _, msg := range messages {
			if seen[msg.ID] || seen[msg.ClientID] {
				continue
			}
			seen[msg.ID] = true
			if msg.ClientID != "" {
				seen[msg.ClientID] = true
			}
			printMessage(msg)
		}
		return nil
	}
	if err := printNew(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err = watcher.Add(filepath.Dir(dbPath)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(dbPath), err)
	}

	base := filepath.Base(dbPath)
	for {
		select {
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if name := filepath.Base(evt.Name); name != base && name != base+"-wal" {
				continue
			}
			if err = printNew(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		case <-c.Context.Done():
			return nil
		}
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
