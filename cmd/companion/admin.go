package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func profileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile <student-id>",
		Short: "Print a student's progress profile as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(cmd)
			db, err := requireStore(viperForCmd(cmd))
			if err != nil {
				return err
			}
			defer db.Close()

			p, found, err := db.Load(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("load profile: %w", err)
			}
			if !found {
				return fmt.Errorf("no progress recorded for student %q", args[0])
			}
			return writeJSON(cmd.OutOrStdout(), p)
		},
	}
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all profiles and session journals as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(cmd)
			v := viperForCmd(cmd)
			db, err := requireStore(v)
			if err != nil {
				return err
			}
			defer db.Close()

			export, err := db.ExportAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}

			outPath := v.GetString("output")
			var w io.Writer
			if outPath == "" || outPath == "-" {
				w = cmd.OutOrStdout()
			} else {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create output file: %w", err)
				}
				defer f.Close()
				w = f
			}
			return writeJSON(w, export)
		},
	}
	cmd.Flags().StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a key and print its token once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(cmd)
			db, err := requireStore(viperForCmd(cmd))
			if err != nil {
				return err
			}
			defer db.Close()

			token, err := db.CreateAPIKey(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("create api key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(cmd)
			db, err := requireStore(viperForCmd(cmd))
			if err != nil {
				return err
			}
			defer db.Close()

			keys, err := db.ListAPIKeys(cmd.Context())
			if err != nil {
				return fmt.Errorf("list api keys: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tACTIVE\tCREATED\tLAST USED")
			for _, k := range keys {
				lastUsed := "-"
				if k.LastUsedAt != nil {
					lastUsed = k.LastUsedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", k.ID, k.Name, k.Active, k.CreatedAt.Format(time.RFC3339), lastUsed)
			}
			return tw.Flush()
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(cmd)
			db, err := requireStore(viperForCmd(cmd))
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.RevokeAPIKey(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("revoke api key: %w", err)
			}
			return nil
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, err = fmt.Fprintln(w)
	return err
}
