// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/stowage-foundation/stowage/cmd/stowage/cli"
	"github.com/stowage-foundation/stowage/lib/wire"
)

func pushCommand() *cli.Command {
	var conn connFlags
	var layerFiles []string
	var configFile string
	var annotations []string
	fs := newFlagSet("push")
	conn.register(fs)
	fs.StringArrayVar(&layerFiles, "layer", nil, "layer file in stacking order (repeatable)")
	fs.StringVar(&configFile, "config", "", "image config JSON file")
	fs.StringArrayVar(&annotations, "annotation", nil, "manifest annotation key=value (repeatable)")

	return &cli.Command{
		Name:    "push",
		Summary: "Store an image from layer files.",
		Usage:   "stowage push <name:tag> --layer <file> [--layer <file> ...] [flags]",
		Description: "Upload an image as an ordered stack of layer files plus an\n" +
			"optional config document. Layer order is part of the image's\n" +
			"identity; pass --layer in stacking order.",
		Examples: []cli.Example{
			{Description: "Push a two-layer image", Command: "stowage push team-x/api:v1 --layer base.tar.zst --layer app.tar.zst --config config.json"},
			{Description: "Push with an annotation", Command: "stowage push tools/cli:latest --layer cli.tar --annotation org.example.build=42"},
		},
		Flags: func() *pflag.FlagSet { return fs },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one argument: the image reference")
			}
			name, tag, err := parseRef(args[0])
			if err != nil {
				return err
			}
			if len(layerFiles) == 0 {
				return fmt.Errorf("at least one --layer is required")
			}

			layers := make([][]byte, 0, len(layerFiles))
			for _, path := range layerFiles {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading layer %s: %w", path, err)
				}
				layers = append(layers, data)
			}

			fields := map[string]any{
				"name":   name,
				"tag":    tag,
				"layers": layers,
			}
			if configFile != "" {
				data, err := os.ReadFile(configFile)
				if err != nil {
					return fmt.Errorf("reading config %s: %w", configFile, err)
				}
				fields["config"] = data
			}
			if len(annotations) > 0 {
				parsed, err := parseKeyValues(annotations)
				if err != nil {
					return err
				}
				fields["annotations"] = parsed
			}

			client, err := conn.authedClient()
			if err != nil {
				return err
			}
			var resp wire.PushResponse
			if err := client.Call(context.Background(), wire.ActionPush, fields, &resp); err != nil {
				return err
			}
			fmt.Printf("%s:%s pushed (%s)\n", name, tag, resp.Digest)
			return nil
		},
	}
}

func pullCommand() *cli.Command {
	var conn connFlags
	var outDir string
	fs := newFlagSet("pull")
	conn.register(fs)
	fs.StringVarP(&outDir, "output", "o", ".", "directory to write the image contents into")

	return &cli.Command{
		Name:    "pull",
		Summary: "Fetch an image and write its contents to a directory.",
		Usage:   "stowage pull <name:tag> [-o dir]",
		Description: "Download a complete image. The config document is written as\n" +
			"config.json and each filesystem layer as layer-N in stacking\n" +
			"order.",
		Examples: []cli.Example{
			{Description: "Pull into the current directory", Command: "stowage pull team-x/api:v1"},
			{Description: "Pull into a named directory", Command: "stowage pull alpine:3.20 -o ./alpine"},
		},
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
			var resp wire.PullResponse
			err = client.Call(context.Background(), wire.ActionPull, map[string]any{
				"name": name,
				"tag":  tag,
			}, &resp)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("creating output directory: %w", err)
			}
			configPath := filepath.Join(outDir, "config.json")
			if err := os.WriteFile(configPath, resp.Config, 0o644); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}
			var total int64
			for i, layer := range resp.Layers {
				layerPath := filepath.Join(outDir, fmt.Sprintf("layer-%d", i))
				if err := os.WriteFile(layerPath, layer, 0o644); err != nil {
					return fmt.Errorf("writing layer %d: %w", i, err)
				}
				total += int64(len(layer))
			}

			fmt.Printf("%s:%s (%s)\n", resp.Name, resp.Tag, resp.Digest)
			fmt.Printf("wrote %d layers (%s) and config.json to %s\n", len(resp.Layers), humanSize(total), outDir)
			return nil
		},
	}
}

func tagCommand() *cli.Command {
	var conn connFlags
	fs := newFlagSet("tag")
	conn.register(fs)

	return &cli.Command{
		Name:    "tag",
		Summary: "Alias an existing image under a new name or tag.",
		Usage:   "stowage tag <src-name:tag> <dst-name:tag>",
		Description: "Point a new (name, tag) at the manifest another tag already\n" +
			"references. Aliasing is metadata-only; no image data moves.",
		Examples: []cli.Example{
			{Description: "Promote a build to latest", Command: "stowage tag team-x/api:v1.2.3 team-x/api:latest"},
		},
		Flags: func() *pflag.FlagSet { return fs },
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected two arguments: source and destination references")
			}
			srcName, srcTag, err := parseRef(args[0])
			if err != nil {
				return err
			}
			dstName, dstTag, err := parseRef(args[1])
			if err != nil {
				return err
			}

			client, err := conn.authedClient()
			if err != nil {
				return err
			}
			err = client.Call(context.Background(), wire.ActionTag, map[string]any{
				"src_name": srcName,
				"src_tag":  srcTag,
				"dst_name": dstName,
				"dst_tag":  dstTag,
			}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("%s:%s -> %s:%s\n", srcName, srcTag, dstName, dstTag)
			return nil
		},
	}
}

func rmiCommand() *cli.Command {
	var conn connFlags
	fs := newFlagSet("rmi")
	conn.register(fs)

	return &cli.Command{
		Name:    "rmi",
		Summary: "Remove a tag.",
		Usage:   "stowage rmi <name:tag>",
		Description: "Delete a tag pointer. Unreferenced image data is reclaimed by\n" +
			"a later 'stowage gc', not by removal itself.",
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
			err = client.Call(context.Background(), wire.ActionRemove, map[string]any{
				"name": name,
				"tag":  tag,
			}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("removed %s:%s\n", name, tag)
			return nil
		},
	}
}

// parseKeyValues parses repeated key=value flag values into a map.
func parseKeyValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", pair)
		}
		out[key] = value
	}
	return out, nil
}
