package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"storefront/api/internal/client"
	"storefront/api/internal/contents"
	"storefront/api/internal/document"
	"storefront/api/internal/syncmgr"
)

var (
	loadCmd = &cobra.Command{
		Use:   "load",
		Short: "Fetch the document from the server into the local cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			status := manager.Load(cmd.Context())
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	showCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the locally cached document without contacting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, ok, err := local.Get(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.ErrOrStderr(), "local cache is empty, showing defaults")
				doc = document.Default()
			}
			return printDocument(cmd.OutOrStdout(), doc)
		},
	}
	saveCmd = &cobra.Command{
		Use:   "save [file]",
		Short: "Save a document read from file (or - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			doc, err := document.Parse(raw)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if expected, _ := cmd.Flags().GetString("expected-version"); expected != "" {
				manager.ExpectVersion(document.Version(expected))
			} else {
				manager.Load(ctx)
			}
			flight, err := manager.Save(ctx, doc)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "saved locally, publishing...")

			waitCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			defer cancel()
			result, err := flight.Wait(waitCtx)
			if err != nil {
				return describeSaveError(err)
			}
			if result.Local {
				fmt.Fprintln(cmd.OutOrStdout(), "saved (dev mode, not published)")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published version %s (commit %s)\n", result.Version, result.Commit)
			return nil
		},
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Load and report the sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			status := manager.Load(cmd.Context())
			printStatus(cmd.OutOrStdout(), status)
			if status.State == syncmgr.StateDegraded {
				return errors.New("serving the local copy")
			}
			return nil
		},
	}
	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List published versions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			commits, err := remote.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "COMMIT\tDATE\tAUTHOR\tMESSAGE")
			for _, c := range commits {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", shortSHA(c.SHA), c.CreatedAt.Format(time.RFC3339), c.Author, firstLine(c.Message))
			}
			return w.Flush()
		},
	}
)

func init() {
	historyCmd.Flags().Int("limit", 20, "Number of versions to list")
	saveCmd.Flags().String("expected-version", "", "Version the file was edited against; skips the reload and fails on a newer server version")
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name)
}

func printStatus(w io.Writer, status syncmgr.Status) {
	fmt.Fprintf(w, "state:   %s\n", status.State)
	if status.LastSyncedVersion != "" {
		fmt.Fprintf(w, "version: %s\n", status.LastSyncedVersion)
	}
	if status.LastError != nil {
		fmt.Fprintf(w, "error:   %v\n", status.LastError)
	}
}

func printDocument(w io.Writer, doc document.Document) error {
	var out bytes.Buffer
	if err := json.Indent(&out, doc, "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err := w.Write(out.Bytes())
	return err
}

func describeSaveError(err error) error {
	switch {
	case errors.Is(err, contents.ErrConflict):
		return fmt.Errorf("the settings changed on the server since they were loaded; run load and save again: %w", err)
	case errors.Is(err, contents.ErrConfiguration):
		return fmt.Errorf("the server is not configured to publish: %w", err)
	case client.IsUnauthorized(err):
		return fmt.Errorf("the server rejected the admin credentials: %w", err)
	case errors.Is(err, syncmgr.ErrSuperseded):
		return fmt.Errorf("a newer save replaced this one: %w", err)
	default:
		return fmt.Errorf("saved locally but not published: %w", err)
	}
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func firstLine(s string) string {
	if i := bytes.IndexByte([]byte(s), '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
