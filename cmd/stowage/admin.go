// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/stowage-foundation/stowage/cmd/stowage/cli"
	"github.com/stowage-foundation/stowage/lib/wire"
)

func gcCommand() *cli.Command {
	var conn connFlags
	var asJSON bool
	fs := newFlagSet("gc")
	conn.register(fs)
	fs.BoolVar(&asJSON, "json", false, "emit JSON instead of a summary line")

	return &cli.Command{
		Name:    "gc",
		Summary: "Reclaim unreferenced image data.",
		Usage:   "stowage gc [--json]",
		Description: "Run a garbage collection pass. Blobs no manifest references\n" +
			"are deleted. The registry pauses other operations while the\n" +
			"pass runs.",
		Flags: func() *pflag.FlagSet { return fs },
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("gc takes no arguments")
			}

			client, err := conn.authedClient()
			if err != nil {
				return err
			}
			var resp wire.GCResponse
			if err := client.Call(context.Background(), wire.ActionGC, nil, &resp); err != nil {
				return err
			}
			if asJSON {
				return printJSON(resp)
			}
			fmt.Printf("removed %d blobs, freed %s\n", resp.BlobsRemoved, humanSize(resp.BytesFreed))
			return nil
		},
	}
}

func rebuildIndexCommand() *cli.Command {
	var conn connFlags
	fs := newFlagSet("rebuild-index")
	conn.register(fs)

	return &cli.Command{
		Name:    "rebuild-index",
		Summary: "Rebuild the search index from stored tags.",
		Usage:   "stowage rebuild-index",
		Description: "Discard the search index and rebuild it by walking every tag.\n" +
			"Use after restoring storage from a backup or when search\n" +
			"results look stale.",
		Flags: func() *pflag.FlagSet { return fs },
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("rebuild-index takes no arguments")
			}

			client, err := conn.authedClient()
			if err != nil {
				return err
			}
			var resp wire.RebuildIndexResponse
			if err := client.Call(context.Background(), wire.ActionRebuildIndex, nil, &resp); err != nil {
				return err
			}
			fmt.Printf("index rebuilt: %d entries\n", resp.Entries)
			return nil
		},
	}
}

func proxyPullCommand() *cli.Command {
	var conn connFlags
	fs := newFlagSet("proxy-pull")
	conn.register(fs)

	return &cli.Command{
		Name:    "proxy-pull",
		Summary: "Fetch an image from an upstream registry into local storage.",
		Usage:   "stowage proxy-pull <upstream> <name:tag>",
		Description: "Pull an image through a configured upstream registry and store\n" +
			"it locally under the same name and tag. Later pulls serve the\n" +
			"local copy. The upstream is a name from the daemon's\n" +
			"configuration, not a URL.",
		Examples: []cli.Example{
			{Description: "Mirror an image from a configured upstream", Command: "stowage proxy-pull dockerhub library/alpine:3.20"},
		},
		Flags: func() *pflag.FlagSet { return fs },
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected two arguments: the upstream name and the image reference")
			}
			upstreamName := args[0]
			name, tag, err := parseRef(args[1])
			if err != nil {
				return err
			}

			client, err := conn.authedClient()
			if err != nil {
				return err
			}
			var resp wire.ProxyPullResponse
			err = client.Call(context.Background(), wire.ActionProxyPull, map[string]any{
				"upstream": upstreamName,
				"name":     name,
				"tag":      tag,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Printf("%s:%s stored from %s (%s)\n", name, tag, upstreamName, resp.Digest)
			return nil
		},
	}
}

func historyCommand() *cli.Command {
	var conn connFlags
	var repo, action, actor, since string
	var limit int
	var asJSON bool
	fs := newFlagSet("history")
	conn.register(fs)
	fs.StringVar(&repo, "repo", "", "filter by repository name")
	fs.StringVar(&action, "action", "", "filter by action (push, pull, tag, remove, gc, proxy-pull, import)")
	fs.StringVar(&actor, "actor", "", "filter by acting username")
	fs.StringVar(&since, "since", "", "only events within this window (e.g. 24h, 7d expressed as 168h)")
	fs.IntVar(&limit, "limit", 0, "maximum events (0 uses the server default)")
	fs.BoolVar(&asJSON, "json", false, "emit JSON instead of a table")

	return &cli.Command{
		Name:    "history",
		Summary: "Show the registry event log.",
		Usage:   "stowage history [flags]",
		Description: "List registry events, most recent first. All filters combine\n" +
			"with AND semantics.",
		Examples: []cli.Example{
			{Description: "Recent activity on one repository", Command: "stowage history --repo team-x/api --since 24h"},
			{Description: "Everything one user pushed", Command: "stowage history --actor alice --action push"},
		},
		Flags: func() *pflag.FlagSet { return fs },
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("history takes no arguments; use flags to filter")
			}

			fields := map[string]any{
				"repository": repo,
				"action":     action,
				"actor":      actor,
				"limit":      limit,
			}
			if since != "" {
				window, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid --since duration %q: %w", since, err)
				}
				fields["since"] = time.Now().Add(-window).Unix()
			}

			client, err := conn.authedClient()
			if err != nil {
				return err
			}
			var resp wire.HistoryResponse
			if err := client.Call(context.Background(), wire.ActionHistory, fields, &resp); err != nil {
				return err
			}

			if asJSON {
				return printJSON(resp.Events)
			}
			if len(resp.Events) == 0 {
				fmt.Println("no events")
				return nil
			}
			writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "TIME\tACTION\tACTOR\tREPOSITORY\tTAG\tDETAIL")
			for _, event := range resp.Events {
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
					time.Unix(event.Time, 0).UTC().Format("2006-01-02 15:04:05"),
					event.Action, event.Actor, event.Repository, event.Tag, event.Detail)
			}
			return writer.Flush()
		},
	}
}
