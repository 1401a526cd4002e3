package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/seoflow/api"
	"github.com/songzhibin97/seoflow/client"
	"github.com/songzhibin97/seoflow/types"
	"github.com/songzhibin97/seoflow/tui"
	"github.com/songzhibin97/seoflow/workflow"
)

func newClient(cmd *cobra.Command) *client.Client {
	return client.New(cmd.Flag("server").Value.String())
}

func startCmd() *cobra.Command {
	var (
		req     api.StartRequest
		offline bool
	)
	cmd := &cobra.Command{
		Use:   "start <keyword>",
		Short: "Start a workflow for a keyword",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Keyword = args[0]
			if cmd.Flags().Changed("offline") {
				useReal := !offline
				req.UseRealData = &useReal
			}
			resp, err := newClient(cmd).Start(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringVar(&req.WorkflowMode, "mode", "", "semi_auto (default) or full_auto")
	cmd.Flags().StringVar(&req.TargetAudience, "audience", "", "target audience")
	cmd.Flags().StringVar(&req.ContentType, "content-type", "", "content type, e.g. blog_post")
	cmd.Flags().IntVar(&req.TargetWordCount, "words", 0, "target word count")
	cmd.Flags().BoolVar(&offline, "offline", false, "use the built-in offline stage outputs")
	return cmd
}

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo <keyword>",
		Short: "Start a FULL_AUTO workflow with defaults",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient(cmd).Demo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := newClient(cmd).Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(view)
		},
	}
}

func resultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "results <session-id>",
		Short: "Show stage results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient(cmd).Results(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func approveCmd() *cobra.Command {
	var (
		headingsFile string
		headings     []string
		sets         []string
	)
	cmd := &cobra.Command{
		Use:   "approve <session-id>",
		Short: "Approve the pending planning proposal, optionally with edits",
		Long: "Approve the pending planning proposal. Without --heading or --headings-file\n" +
			"the proposed headings are accepted as they are.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.ApproveRequest{SessionID: args[0]}
			if headingsFile != "" {
				loaded, err := loadHeadings(headingsFile)
				if err != nil {
					return err
				}
				req.ApprovedHeadings = loaded
			}
			for _, raw := range headings {
				h, err := parseHeading(raw)
				if err != nil {
					return err
				}
				req.ApprovedHeadings = append(req.ApprovedHeadings, h)
			}
			mods, err := parseModifications(sets)
			if err != nil {
				return err
			}
			req.Modifications = mods

			resp, err := newClient(cmd).ApproveHeadings(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringVar(&headingsFile, "headings-file", "", "YAML or JSON list of {level, text, keywords}")
	cmd.Flags().StringArrayVar(&headings, "heading", nil, `heading as "H2:text" (repeatable)`)
	cmd.Flags().StringArrayVar(&sets, "set", nil, `modification as "path=value"; value is JSON or a plain string (repeatable)`)
	return cmd
}

func loadHeadings(path string) ([]types.Heading, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read headings: %w", err)
	}
	var out []types.Heading
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse headings %s: %w", path, err)
	}
	return out, nil
}

func parseHeading(raw string) (types.Heading, error) {
	level, text, ok := strings.Cut(raw, ":")
	if !ok || strings.TrimSpace(text) == "" {
		return types.Heading{}, fmt.Errorf("heading %q: want LEVEL:text", raw)
	}
	h := types.Heading{Level: strings.ToUpper(strings.TrimSpace(level)), Text: strings.TrimSpace(text)}
	return h, h.Validate()
}

func parseModifications(sets []string) (map[string]interface{}, error) {
	if len(sets) == 0 {
		return nil, nil
	}
	mods := make(map[string]interface{}, len(sets))
	for _, raw := range sets {
		path, value, ok := strings.Cut(raw, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("modification %q: want path=value", raw)
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			decoded = value
		}
		mods[path] = decoded
	}
	return mods, nil
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a live session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient(cmd).Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func sessionsCmd() *cobra.Command {
	var (
		status string
		filter types.SessionFilter
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				parsed, err := types.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = parsed
			}
			rows, err := newClient(cmd).Sessions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tKEYWORD\tMODE\tSTATUS\tSTEP\tPROGRESS\tUPDATED")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d%%\t%s\n",
					r.ID, r.Keyword, r.Mode, r.Status, r.CurrentStage, r.Progress,
					time.UnixMilli(r.UpdatedAt).Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&filter.Keyword, "keyword", "", "filter by keyword")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum rows (0 = all)")
	return cmd
}

func watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow a session in the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(cmd)
			id := args[0]
			fetch := func(ctx context.Context) (workflow.StatusView, error) {
				return c.Status(ctx, id)
			}
			view, err := tui.Watch(cmd.Context(), id, fetch, interval, os.Stdin, os.Stdout)
			if err != nil {
				return err
			}
			if view.Status == types.StatusFailed && view.Error != nil {
				return fmt.Errorf("session failed at %s: %s", view.Error.Stage, view.Error.Message)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	return cmd
}
