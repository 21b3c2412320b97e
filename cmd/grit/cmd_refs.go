package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
	"github.com/odvcencio/grit/pkg/revwalk"
)

func cmdIdent() object.Ident {
	name := os.Getenv("GIT_COMMITTER_NAME")
	if name == "" {
		name = "grit"
	}
	email := os.Getenv("GIT_COMMITTER_EMAIL")
	if email == "" {
		email = "grit@localhost"
	}
	return object.Ident{Name: name, Email: email, When: time.Now()}
}

func newUpdateRefCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "update-ref <ref> <new-id> [old-id]",
		Short: "Update a ref under the lock protocol",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			newID, err := gitid.Parse(args[1])
			if err != nil {
				return err
			}
			old := gitid.Zero
			if len(args) == 3 {
				if old, err = gitid.Parse(args[2]); err != nil {
					return err
				}
			} else if current, err := r.Refs.Read(args[0]); err == nil {
				old = current.ID
			}
			return r.Refs.Update(args[0], old, newID, cmdIdent(), message)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "update-ref", "reflog message")
	return cmd
}

func newReflogCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reflog <ref>",
		Short: "Show a ref's reflog, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			entries, err := r.Refs.ReadReflog(args[0], limit)
			if err != nil {
				return err
			}
			for i, e := range entries {
				fmt.Printf("%s %s@{%d}: %s\n", e.New.Short(), args[0], i, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "max-count", "n", 0, "limit the number of entries")
	return cmd
}

func newLogCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log [ref]",
		Short: "Walk commits from a ref in commit-time order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			name := "HEAD"
			if len(args) == 1 {
				name = args[0]
			}
			tip, err := r.Refs.Resolve(name)
			if err != nil {
				return err
			}
			if tip.ID.IsZero() {
				return fmt.Errorf("%s does not point at a commit yet", name)
			}

			w := revwalk.New(r.DB)
			if err := w.MarkStart(tip.ID); err != nil {
				return err
			}
			shown := 0
			for limit <= 0 || shown < limit {
				c, err := w.Next()
				if err != nil {
					return err
				}
				if c == nil {
					return nil
				}
				payload, err := r.DB.TypedObject(c.ID, object.TypeCommit)
				if err != nil {
					return err
				}
				parsed, err := object.UnmarshalCommit(payload)
				if err != nil {
					return err
				}
				fmt.Printf("commit %s\n", c.ID)
				fmt.Printf("Author: %s <%s>\n", parsed.Author.Name, parsed.Author.Email)
				fmt.Printf("Date:   %s\n\n", parsed.Author.When.Format(time.RFC1123Z))
				fmt.Printf("    %s\n", firstLine(parsed.Message))
				shown++
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "max-count", "n", 0, "limit the number of commits")
	return cmd
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Repack reachable objects and prune their loose copies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			summary, err := r.GC()
			if err != nil {
				return err
			}
			fmt.Printf("packed %d objects, pruned %d loose\n", summary.PackedObjects, summary.PrunedLoose)
			return nil
		},
	}
}

func newRemoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Manage named remotes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <name> <url>",
		Short: "Add a named remote",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			return r.SetRemote(args[0], args[1])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List named remotes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			for name, rc := range r.Config.Remotes {
				fmt.Printf("%s\t%s\n", name, rc.URL)
			}
			return nil
		},
	})
	return cmd
}
