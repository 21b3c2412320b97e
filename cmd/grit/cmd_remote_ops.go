package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/odvcencio/grit/pkg/bundle"
	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/pack"
	"github.com/odvcencio/grit/pkg/pktline"
	"github.com/odvcencio/grit/pkg/refs"
	"github.com/odvcencio/grit/pkg/repo"
	"github.com/odvcencio/grit/pkg/revwalk"
	"github.com/odvcencio/grit/pkg/transport"
)

func transportOptions(r *repo.Repository) *transport.Options {
	return &transport.Options{
		Env:     r.Env,
		Timeout: r.Config.Transport.Timeout(),
	}
}

func newLsRemoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls-remote <remote>",
		Short: "List refs advertised by a remote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			url, err := r.RemoteURL(args[0])
			if err != nil {
				return err
			}
			tr, err := transport.Open(url, transportOptions(r))
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx := context.Background()
			conn, err := tr.OpenFetch(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			// Read the advertisement, then hang up with a flush: a
			// complete want-nothing session.
			refs, _, err := transport.ReadAdvertisementV0(pktline.NewReader(conn))
			if err != nil {
				return err
			}
			if err := pktline.WriteFlush(conn); err != nil {
				return err
			}
			conn.CloseWrite()
			for _, ref := range refs {
				fmt.Printf("%s\t%s\n", ref.ID, ref.Name)
			}
			return nil
		},
	}
}

func newFetchCmd() *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "fetch <remote> [want...]",
		Short: "Fetch objects and refs from a remote",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			url, err := r.RemoteURL(args[0])
			if err != nil {
				return err
			}
			var wants []gitid.ID
			for _, arg := range args[1:] {
				id, err := gitid.Parse(arg)
				if err != nil {
					return err
				}
				wants = append(wants, id)
			}
			tips, err := r.Tips()
			if err != nil {
				return err
			}

			tr, err := transport.Open(url, transportOptions(r))
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx := context.Background()
			conn, err := tr.OpenFetch(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			opts := transport.FetchOptions{
				Wants:     wants,
				LocalTips: tips,
				Depth:     depth,
				ThinPack:  true,
				Progress:  func(msg string) { fmt.Fprint(os.Stderr, msg) },
			}
			var result *transport.FetchResult
			if r.Env.WantProtocolV2() {
				result, err = transport.FetchV2(ctx, conn, r.DB, opts)
			} else {
				result, err = transport.FetchV0(ctx, conn, r.DB, opts)
			}
			if err != nil {
				return err
			}

			// Track the remote's branch heads under refs/remotes.
			for _, ref := range result.Refs {
				name, ok := remoteTrackingName(args[0], ref.Name)
				if !ok {
					continue
				}
				old := gitid.Zero
				if current, err := r.Refs.Read(name); err == nil {
					old = current.ID
				}
				if old == ref.ID {
					continue
				}
				if err := r.Refs.Update(name, old, ref.ID, cmdIdent(), "fetch"); err != nil {
					return err
				}
			}
			if !result.PackChecksum.IsZero() {
				fmt.Fprintf(os.Stderr, "received pack %s\n", result.PackChecksum.Short())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 0, "create a shallow fetch of that depth")
	return cmd
}

func remoteTrackingName(remote, refName string) (string, bool) {
	const headsPrefix = "refs/heads/"
	if len(refName) <= len(headsPrefix) || refName[:len(headsPrefix)] != headsPrefix {
		return "", false
	}
	return "refs/remotes/" + remote + "/" + refName[len(headsPrefix):], true
}

func newPushCmd() *cobra.Command {
	var atomic bool
	cmd := &cobra.Command{
		Use:   "push <remote> <ref>",
		Short: "Push a ref to a remote",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			url, err := r.RemoteURL(args[0])
			if err != nil {
				return err
			}
			local, err := r.Refs.Resolve(args[1])
			if err != nil {
				return err
			}

			tr, err := transport.Open(url, transportOptions(r))
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx := context.Background()
			conn, err := tr.OpenPush(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			result, err := transport.PushV0(ctx, conn, r.DB, transport.PushOptions{
				Commands: []transport.PushCommand{{
					RefName: local.Name,
					New:     local.ID,
				}},
				Atomic:     atomic,
				RemoteName: args[0],
				RemoteURL:  url,
			})
			if err != nil {
				return err
			}
			for ref, msg := range result.CommandStatus {
				if msg == "" {
					fmt.Printf("ok %s\n", ref)
				} else {
					fmt.Printf("ng %s %s\n", ref, msg)
				}
			}
			if !result.OK() {
				return fmt.Errorf("push rejected")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&atomic, "atomic", false, "request atomic ref updates")
	return cmd
}

func newPackObjectsCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "pack-objects <rev>",
		Short: "Pack a rev's reachable objects into pack-<checksum>.{pack,idx}",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			tip, err := r.Refs.Resolve(args[0])
			if err != nil {
				id, idErr := resolveObjectArg(r, args[0])
				if idErr != nil {
					return err
				}
				tip = &refs.Ref{ID: id}
			}
			if tip.ID.IsZero() {
				return fmt.Errorf("%s does not point at an object yet", args[0])
			}

			items, err := revwalk.Closure(r.DB, []gitid.ID{tip.ID}, nil)
			if err != nil {
				return err
			}
			entries := make([]pack.ObjectEntry, 0, len(items))
			for _, item := range items {
				t, payload, err := r.DB.Object(item.ID)
				if err != nil {
					return err
				}
				entries = append(entries, pack.ObjectEntry{
					ID:       item.ID,
					Type:     t,
					Payload:  payload,
					PathHint: item.Path,
				})
			}

			opts := pack.WriterOptions{
				Window:           r.Config.Pack.Window,
				MaxDepth:         r.Config.Pack.Depth,
				CompressionLevel: r.Config.Pack.CompressionLevel,
			}
			var buf bytes.Buffer
			res, err := pack.NewWriter(opts).Write(&buf, entries, nil)
			if err != nil {
				return err
			}

			base := filepath.Join(outDir, "pack-"+res.Checksum.String())
			if err := os.WriteFile(base+".pack", buf.Bytes(), 0o644); err != nil {
				return err
			}
			idxFile, err := os.Create(base + ".idx")
			if err != nil {
				return err
			}
			if _, err := pack.NewIndex(res.Entries, res.Checksum).WriteV2(idxFile); err != nil {
				idxFile.Close()
				return err
			}
			if err := idxFile.Close(); err != nil {
				return err
			}
			fmt.Println(res.Checksum)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", ".", "directory to write the pack pair into")
	return cmd
}

func newUnpackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpack [pack-file]",
		Short: "Index a pack stream into the object database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			var src io.Reader = os.Stdin
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			}
			checksum, err := r.DB.NewInserter().InsertPack(src)
			if err != nil {
				return err
			}
			fmt.Println(checksum)
			return nil
		},
	}
}

func newVerifyPackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-pack <pack-file>",
		Short: "Verify a pack and its index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := pack.OpenFile(args[0])
			if err != nil {
				return err
			}
			for _, e := range f.Index().Entries() {
				t, payload, err := f.ObjectAt(e.Offset)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s %d %d\n", e.ID, t, len(payload), e.Offset)
			}
			return nil
		},
	}
}

func newBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Create and unpack bundle files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <file> <ref>",
		Short: "Bundle a ref and its history into a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			tip, err := r.Refs.Resolve(args[1])
			if err != nil {
				return err
			}
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return bundle.Create(f, r.DB, []bundle.Ref{{Name: tip.Name, ID: tip.ID}}, nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "unbundle <file>",
		Short: "Import a bundle's objects and print its refs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			b, err := bundle.Read(f)
			if err != nil {
				return err
			}
			refs, err := b.Unbundle(r.DB)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				fmt.Printf("%s %s\n", ref.ID, ref.Name)
			}
			return nil
		},
	})
	return cmd
}
