package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"warden/services/ctl"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var apiBaseURL string

	cmd := &cobra.Command{
		Use:           "wardenctl",
		Short:         "Operator tool for the warden audit control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&apiBaseURL, "api", envOr("WARDEN_API", "http://localhost:8080"), "Base URL of the warden API")

	cmd.AddCommand(newServersCommand(&apiBaseURL))
	cmd.AddCommand(newTemplatesCommand(&apiBaseURL))
	cmd.AddCommand(newAuditsCommand(&apiBaseURL))
	cmd.AddCommand(newAdhocCommand(&apiBaseURL))
	return cmd
}

func newServersCommand(apiBaseURL *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Server registration and inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var name, address string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a server and print its single-use enroll token",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBaseURL)
			if err != nil {
				return err
			}
			out, err := client.CreateServer(cmdContext(cmd), name, address)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	create.Flags().StringVar(&name, "name", "", "Unique server name")
	create.Flags().StringVar(&address, "address", "", "Server address or hostname")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBaseURL)
			if err != nil {
				return err
			}
			out, err := client.ListServers(cmdContext(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}

	cmd.AddCommand(create)
	cmd.AddCommand(list)
	return cmd
}

func newTemplatesCommand(apiBaseURL *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Audit template import and export",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Validate and import a template document as a new version",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBaseURL)
			if err != nil {
				return err
			}
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			out, err := client.ImportTemplate(cmdContext(cmd), f)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "Path to the template JSON document")
	_ = importCmd.MarkFlagRequired("file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List template versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBaseURL)
			if err != nil {
				return err
			}
			out, err := client.ListTemplates(cmdContext(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}

	export := &cobra.Command{
		Use:   "export <template-version-id>",
		Short: "Export a template version as a full document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBaseURL)
			if err != nil {
				return err
			}
			out, err := client.ExportTemplate(cmdContext(cmd), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}

	cmd.AddCommand(importCmd)
	cmd.AddCommand(list)
	cmd.AddCommand(export)
	return cmd
}

func newAuditsCommand(apiBaseURL *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audits",
		Short: "Audit run operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var serverID, templateVersionID, exclude string
	start := &cobra.Command{
		Use:   "start",
		Short: "Start an audit run against a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBaseURL)
			if err != nil {
				return err
			}
			var excluded []string
			if exclude != "" {
				excluded = strings.Split(exclude, ",")
			}
			out, err := client.StartAudit(cmdContext(cmd), serverID, templateVersionID, excluded)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	start.Flags().StringVar(&serverID, "server", "", "Target server id")
	start.Flags().StringVar(&templateVersionID, "template", "", "Template version id")
	start.Flags().StringVar(&exclude, "exclude", "", "Comma-separated control ids to exclude")
	_ = start.MarkFlagRequired("server")
	_ = start.MarkFlagRequired("template")

	progress := &cobra.Command{
		Use:   "progress <audit-run-id>",
		Short: "Show live progress for an audit run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBaseURL)
			if err != nil {
				return err
			}
			out, err := client.AuditProgress(cmdContext(cmd), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}

	cmd.AddCommand(start)
	cmd.AddCommand(progress)
	return cmd
}

func newAdhocCommand(apiBaseURL *string) *cobra.Command {
	var serverID, title, command, script string

	cmd := &cobra.Command{
		Use:   "adhoc",
		Short: "Run a one-off safety-screened check on a server and wait for the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBaseURL)
			if err != nil {
				return err
			}
			out, err := client.Adhoc(cmdContext(cmd), serverID, title, command, script)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&serverID, "server", "", "Target server id")
	cmd.Flags().StringVar(&title, "title", "", "Human-readable check title")
	cmd.Flags().StringVar(&command, "command", "", "Shell command to run")
	cmd.Flags().StringVar(&script, "script", "", "Script body to run instead of a command")
	_ = cmd.MarkFlagRequired("server")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
