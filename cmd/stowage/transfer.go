// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/stowage-foundation/stowage/cmd/stowage/cli"
	"github.com/stowage-foundation/stowage/lib/wire"
)

func exportCommand() *cli.Command {
	var conn connFlags
	var outFile string
	fs := newFlagSet("export")
	conn.register(fs)
	fs.StringVarP(&outFile, "output", "o", "", "archive file to write (required)")

	return &cli.Command{
		Name:    "export",
		Summary: "Bundle images into a portable archive.",
		Usage:   "stowage export <name:tag> [<name:tag> ...] -o <file>",
		Description: "Write the named images and their full blob closure into one\n" +
			"archive file. Shared layers are stored once. The archive can\n" +
			"be imported into another registry with 'stowage import'.",
		Examples: []cli.Example{
			{Description: "Export two images for an air-gapped transfer", Command: "stowage export team-x/api:v1 team-x/worker:v1 -o release.stow"},
		},
		Flags: func() *pflag.FlagSet { return fs },
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("expected at least one image reference")
			}
			if outFile == "" {
				return fmt.Errorf("-o is required")
			}

			images := make([]map[string]any, 0, len(args))
			for _, ref := range args {
				name, tag, err := parseRef(ref)
				if err != nil {
					return err
				}
				images = append(images, map[string]any{"name": name, "tag": tag})
			}

			client, err := conn.authedClient()
			if err != nil {
				return err
			}
			var resp wire.ExportResponse
			err = client.Call(context.Background(), wire.ActionExport, map[string]any{
				"images": images,
			}, &resp)
			if err != nil {
				return err
			}

			if err := os.WriteFile(outFile, resp.Archive, 0o644); err != nil {
				return fmt.Errorf("writing archive: %w", err)
			}
			fmt.Printf("exported %d images to %s (%s)\n", len(args), outFile, humanSize(int64(len(resp.Archive))))
			return nil
		},
	}
}

func importCommand() *cli.Command {
	var conn connFlags
	fs := newFlagSet("import")
	conn.register(fs)

	return &cli.Command{
		Name:    "import",
		Summary: "Restore images from an archive.",
		Usage:   "stowage import <file>",
		Description: "Restore every image from an archive produced by export.\n" +
			"Digests and creation times are preserved exactly; importing\n" +
			"requires write access to each repository in the archive.",
		Examples: []cli.Example{
			{Description: "Import a transferred archive", Command: "stowage import release.stow"},
		},
		Flags: func() *pflag.FlagSet { return fs },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one argument: the archive file")
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading archive: %w", err)
			}

			client, err := conn.authedClient()
			if err != nil {
				return err
			}
			var resp wire.ImportResponse
			err = client.Call(context.Background(), wire.ActionImport, map[string]any{
				"archive": data,
			}, &resp)
			if err != nil {
				return err
			}

			for _, ref := range resp.Images {
				fmt.Printf("imported %s:%s\n", ref.Name, ref.Tag)
			}
			return nil
		},
	}
}
