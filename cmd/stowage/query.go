// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/stowage-foundation/stowage/cmd/stowage/cli"
	"github.com/stowage-foundation/stowage/lib/wire"
)

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func searchCommand() *cli.Command {
	var conn connFlags
	var limit int
	var asJSON bool
	fs := newFlagSet("search")
	conn.register(fs)
	fs.IntVar(&limit, "limit", 0, "maximum results (0 uses the server default)")
	fs.BoolVar(&asJSON, "json", false, "emit JSON instead of a table")

	return &cli.Command{
		Name:    "search",
		Summary: "Search images by name, tag, digest, or label.",
		Usage:   "stowage search <query> [flags]",
		Description: "Query the search index. Exact name:tag matches come first,\n" +
			"then name matches, tag matches, digest prefixes, label values,\n" +
			"and finally substring matches.",
		Examples: []cli.Example{
			{Description: "Find images by name fragment", Command: "stowage search api"},
			{Description: "Find images by label value", Command: "stowage search team-x --limit 10"},
		},
		Flags: func() *pflag.FlagSet { return fs },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one argument: the search query")
			}

			client, err := conn.authedClient()
			if err != nil {
				return err
			}
			var resp wire.SearchResponse
			err = client.Call(context.Background(), wire.ActionSearch, map[string]any{
				"query": args[0],
				"limit": limit,
			}, &resp)
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(resp.Entries)
			}
			if len(resp.Entries) == 0 {
				fmt.Println("no matches")
				return nil
			}
			writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "NAME\tTAG\tDIGEST\tSIZE\tCREATED")
			for _, entry := range resp.Entries {
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
					entry.Name, entry.Tag, entry.ShortDigest(),
					humanSize(entry.Size), formatCreated(entry.Created))
			}
			return writer.Flush()
		},
	}
}

func inspectCommand() *cli.Command {
	var conn connFlags
	var asJSON bool
	fs := newFlagSet("inspect")
	conn.register(fs)
	fs.BoolVar(&asJSON, "json", false, "emit JSON instead of a field listing")

	return &cli.Command{
		Name:    "inspect",
		Summary: "Show the metadata of a tagged image.",
		Usage:   "stowage inspect <name:tag> [flags]",
		Description: "Show an image's manifest digest, layer digests, size, config\n" +
			"fields, and lifetime pull count without downloading layer data.",
		Flags: func() *pflag.FlagSet { return fs },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one argument: the image reference")
			}
			name, tag, err := parseRef(args[0])
			if err != nil {
				return err
			}

			client, err := conn.authedClient()
			if err != nil {
				return err
			}
			var resp wire.InspectResponse
			err = client.Call(context.Background(), wire.ActionInspect, map[string]any{
				"name": name,
				"tag":  tag,
			}, &resp)
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(resp)
			}

			writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(writer, "Name:\t%s:%s\n", resp.Name, resp.Tag)
			fmt.Fprintf(writer, "Digest:\t%s\n", resp.Digest)
			fmt.Fprintf(writer, "Config:\t%s\n", resp.ConfigDigest)
			fmt.Fprintf(writer, "Size:\t%s\n", humanSize(resp.Size))
			fmt.Fprintf(writer, "Created:\t%s\n", formatCreated(resp.Created))
			if resp.Architecture != "" || resp.OS != "" {
				fmt.Fprintf(writer, "Platform:\t%s/%s\n", resp.OS, resp.Architecture)
			}
			if len(resp.Entrypoint) > 0 {
				fmt.Fprintf(writer, "Entrypoint:\t%s\n", strings.Join(resp.Entrypoint, " "))
			}
			if len(resp.Cmd) > 0 {
				fmt.Fprintf(writer, "Cmd:\t%s\n", strings.Join(resp.Cmd, " "))
			}
			if resp.PullCount != nil {
				fmt.Fprintf(writer, "Pulls:\t%d\n", *resp.PullCount)
			}
			fmt.Fprintf(writer, "Layers:\t%d\n", len(resp.LayerDigests))
			for i, layerDigest := range resp.LayerDigests {
				fmt.Fprintf(writer, "  %d:\t%s\n", i, layerDigest)
			}
			for _, key := range sortedKeys(resp.Labels) {
				fmt.Fprintf(writer, "Label:\t%s=%s\n", key, resp.Labels[key])
			}
			for _, key := range sortedKeys(resp.Annotations) {
				fmt.Fprintf(writer, "Annotation:\t%s=%s\n", key, resp.Annotations[key])
			}
			return writer.Flush()
		},
	}
}

func reposCommand() *cli.Command {
	var conn connFlags
	var asJSON bool
	fs := newFlagSet("repos")
	conn.register(fs)
	fs.BoolVar(&asJSON, "json", false, "emit JSON instead of plain names")

	return &cli.Command{
		Name:    "repos",
		Summary: "List repository names.",
		Usage:   "stowage repos [flags]",
		Flags:   func() *pflag.FlagSet { return fs },
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("repos takes no arguments")
			}

			client, err := conn.authedClient()
			if err != nil {
				return err
			}
			var resp wire.RepositoriesResponse
			if err := client.Call(context.Background(), wire.ActionRepositories, nil, &resp); err != nil {
				return err
			}

			if asJSON {
				return printJSON(resp.Repositories)
			}
			for _, name := range resp.Repositories {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func tagsCommand() *cli.Command {
	var conn connFlags
	var asJSON bool
	fs := newFlagSet("tags")
	conn.register(fs)
	fs.BoolVar(&asJSON, "json", false, "emit JSON instead of a table")

	return &cli.Command{
		Name:    "tags",
		Summary: "List the tags of a repository.",
		Usage:   "stowage tags <name> [flags]",
		Flags:   func() *pflag.FlagSet { return fs },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one argument: the repository name")
			}

			client, err := conn.authedClient()
			if err != nil {
				return err
			}
			var resp wire.TagsResponse
			err = client.Call(context.Background(), wire.ActionTags, map[string]any{
				"name": args[0],
			}, &resp)
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(resp.Tags)
			}
			writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "TAG\tDIGEST\tCREATED")
			for _, record := range resp.Tags {
				fmt.Fprintf(writer, "%s\t%s\t%s\n",
					record.Tag, shortDigest(record.Digest.String()), formatCreated(record.Created))
			}
			return writer.Flush()
		},
	}
}

func statusCommand() *cli.Command {
	var conn connFlags
	var asJSON bool
	fs := newFlagSet("status")
	conn.register(fs)
	fs.BoolVar(&asJSON, "json", false, "emit JSON instead of a field listing")

	return &cli.Command{
		Name:    "status",
		Summary: "Show daemon status and storage statistics.",
		Usage:   "stowage status [flags]",
		Description: "Report the daemon's version, uptime, and storage statistics.\n" +
			"Status is the only command that works without logging in.",
		Flags: func() *pflag.FlagSet { return fs },
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("status takes no arguments")
			}

			var resp wire.StatusResponse
			if err := conn.client().Call(context.Background(), wire.ActionStatus, nil, &resp); err != nil {
				return err
			}

			if asJSON {
				return printJSON(resp)
			}
			writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(writer, "Version:\t%s\n", resp.Version)
			fmt.Fprintf(writer, "Uptime:\t%s\n", (time.Duration(resp.UptimeSeconds) * time.Second).String())
			fmt.Fprintf(writer, "Repositories:\t%d\n", resp.Repositories)
			fmt.Fprintf(writer, "Tags:\t%d\n", resp.Tags)
			fmt.Fprintf(writer, "Blobs:\t%d (%s)\n", resp.Blobs, humanSize(resp.BlobBytes))
			fmt.Fprintf(writer, "Index entries:\t%d\n", resp.IndexEntries)
			fmt.Fprintf(writer, "Users:\t%d\n", resp.Users)
			fmt.Fprintf(writer, "Encrypted:\t%t\n", resp.Encrypted)
			if resp.DiskFreeBytes > 0 {
				fmt.Fprintf(writer, "Disk free:\t%s\n", humanSize(int64(resp.DiskFreeBytes)))
			}
			return writer.Flush()
		},
	}
}

// sortedKeys returns a map's keys in sorted order for stable output.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
