package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
	"github.com/odvcencio/grit/pkg/repo"
)

func openRepo() (*repo.Repository, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return repo.Open(wd, nil)
}

// resolveObjectArg turns a full or abbreviated id into a full id.
func resolveObjectArg(r *repo.Repository, arg string) (gitid.ID, error) {
	if id, err := gitid.Parse(arg); err == nil {
		return id, nil
	}
	prefix, err := gitid.ParseAbbrev(arg)
	if err != nil {
		return gitid.ID{}, err
	}
	matches, err := r.DB.ResolvePrefix(prefix, 2)
	if err != nil {
		return gitid.ID{}, err
	}
	switch len(matches) {
	case 0:
		return gitid.ID{}, fmt.Errorf("no object matches %q", arg)
	case 1:
		return matches[0], nil
	default:
		return gitid.ID{}, fmt.Errorf("%q is ambiguous", arg)
	}
}

func newInitCmd() *cobra.Command {
	var bare bool
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create an empty repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			r, err := repo.Init(dir, bare)
			if err != nil {
				return err
			}
			fmt.Printf("Initialized empty repository in %s\n", r.GitDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&bare, "bare", false, "create a bare repository")
	return cmd
}

func newCatFileCmd() *cobra.Command {
	var showType, showSize bool
	cmd := &cobra.Command{
		Use:   "cat-file <object>",
		Short: "Print an object's content, type, or size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			id, err := resolveObjectArg(r, args[0])
			if err != nil {
				return err
			}
			t, payload, err := r.DB.Object(id)
			if err != nil {
				return err
			}
			switch {
			case showType:
				fmt.Println(t)
			case showSize:
				fmt.Println(len(payload))
			default:
				os.Stdout.Write(payload)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&showType, "type", "t", false, "show the object type")
	cmd.Flags().BoolVarP(&showSize, "size", "s", false, "show the payload size")
	return cmd
}

func newHashObjectCmd() *cobra.Command {
	var write bool
	var typeName string
	cmd := &cobra.Command{
		Use:   "hash-object [file]",
		Short: "Compute an object id, optionally storing the object",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			var err error
			if len(args) == 1 {
				payload, err = os.ReadFile(args[0])
			} else {
				payload, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return err
			}

			t := object.Type(typeName)
			if !t.IsValid() {
				return fmt.Errorf("invalid object type %q", typeName)
			}
			if !write {
				fmt.Println(object.Hash(t, payload))
				return nil
			}
			r, err := openRepo()
			if err != nil {
				return err
			}
			id, err := r.DB.NewInserter().Insert(t, payload)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&write, "write", "w", false, "store the object")
	cmd.Flags().StringVarP(&typeName, "type", "t", "blob", "object type")
	return cmd
}
