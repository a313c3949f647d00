package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/creastat/docsession"
)

var defaultValue string

// docView is the printed form of a document.
type docView struct {
	ID        string          `json:"id"`
	Rev       string          `json:"rev"`
	Conflicts []string        `json:"conflicts,omitempty"`
	Value     json.RawMessage `json:"value"`
}

func viewOf(doc *docsession.Document[json.RawMessage]) docView {
	return docView{
		ID:        doc.ID(),
		Rev:       doc.Revision(),
		Conflicts: doc.Conflicts(),
		Value:     doc.Current(),
	}
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a document",
	Long:  `Fetch a document and print its id, revision, sibling revisions and value.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var putCmd = &cobra.Command{
	Use:   "put <key> <json>",
	Short: "Create or replace a document",
	Long:  `Write a JSON value to a document, creating it if it does not exist.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runPut,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(deleteCmd)

	getCmd.Flags().StringVar(&defaultValue, "default", "", "JSON value to create the document with if it does not exist")
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, ds, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer ds.Close()

	var opts []docsession.GetOption[json.RawMessage]
	if defaultValue != "" {
		value, err := parseValue(defaultValue)
		if err != nil {
			return err
		}
		opts = append(opts, docsession.WithDefault(func() json.RawMessage { return value }))
	}

	doc, err := s.Get(ctx, keyFor(args[0]), opts...)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), viewOf(doc))
}

func runPut(cmd *cobra.Command, args []string) error {
	value, err := parseValue(args[1])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, ds, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer ds.Close()

	created := false
	doc, err := s.Get(ctx, keyFor(args[0]), docsession.WithDefault(func() json.RawMessage {
		created = true
		return value
	}))
	if err != nil {
		return err
	}
	if !created {
		if doc, err = s.Save(ctx, doc.Update(value)); err != nil {
			return err
		}
	}
	return printJSON(cmd.OutOrStdout(), viewOf(doc))
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, ds, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer ds.Close()

	if err := s.Delete(ctx, keyFor(args[0])); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
	return nil
}

func parseValue(raw string) (json.RawMessage, error) {
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("invalid JSON value: %s", raw)
	}
	return json.RawMessage(raw), nil
}
