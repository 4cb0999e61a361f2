package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/avast/retry-go/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/satriahrh/l2dbridge/domain/entities"
	"github.com/satriahrh/l2dbridge/internal/api"
	"github.com/satriahrh/l2dbridge/internal/cleanup"
	"github.com/satriahrh/l2dbridge/internal/converter"
	"github.com/satriahrh/l2dbridge/usecase"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	adminServer  string
	adminTarget  string
	adminTimeout time.Duration
	sayQueue     bool
	sayTTSURL    string
	queryPayload string
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Inspect and drive a running bridge",
}

var adminStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show uptime, sessions and store usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		var st usecase.Status
		raw, err := c.call(cmd.Context(), http.MethodGet, "/status", nil, &st)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printRaw(cmd.OutOrStdout(), raw)
		}
		out := cmd.OutOrStdout()
		printField(out, "Version", st.Version)
		printField(out, "Uptime", st.Uptime)
		printField(out, "Host mode", st.HostMode)
		printField(out, "Sessions", fmt.Sprint(st.Sessions))
		names := make([]string, 0, len(st.Stores))
		for name := range st.Stores {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			s := st.Stores[name]
			printField(out, "Store "+name, fmt.Sprintf("%d files (%d pending), %s of %s",
				s.Files, s.Pending, humanBytes(s.Bytes), humanBytes(s.MaxBytes)))
		}
		return nil
	},
}

var adminSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List connected sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		var sessions []entities.SessionInfo
		raw, err := c.call(cmd.Context(), http.MethodGet, "/sessions", nil, &sessions)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printRaw(cmd.OutOrStdout(), raw)
		}
		if len(sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions connected")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tCLIENT\tUSER\tCONNECTED\tLAST SEEN")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.SessionID, s.ClientID, s.UserID,
				s.CreatedAt.Local().Format(time.DateTime), s.LastSeenAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

var adminResourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "List stored resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		var report usecase.ResourceReport
		raw, err := c.call(cmd.Context(), http.MethodGet, "/resources", nil, &report)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printRaw(cmd.OutOrStdout(), raw)
		}
		out := cmd.OutOrStdout()
		printField(out, "Usage", fmt.Sprintf("%d/%d files, %s of %s",
			report.Stats.Files, report.Stats.MaxFiles, humanBytes(report.Stats.Bytes), humanBytes(report.Stats.MaxBytes)))
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RID\tKIND\tMIME\tSIZE\tSTATUS\tLAST ACCESS")
		for _, r := range report.Resources {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.RID, r.Kind, r.Mime, humanBytes(r.Size), r.Status,
				r.LastAccessAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

var adminCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run a cleanup pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		var resp struct {
			Results []cleanup.Result `json:"results"`
			Error   string           `json:"error"`
		}
		raw, err := c.call(cmd.Context(), http.MethodPost, "/cleanup", nil, &resp)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printRaw(cmd.OutOrStdout(), raw)
		}
		out := cmd.OutOrStdout()
		for _, r := range resp.Results {
			if r.Error != "" {
				errorLabel.Fprintf(out, "%-10s ", r.Store)
				fmt.Fprintln(out, r.Error)
				continue
			}
			okLabel.Fprintf(out, "%-10s ", r.Store)
			fmt.Fprintf(out, "expired %d, evicted %d, freed %s, %d left (%s)\n",
				r.Report.Expired, r.Report.Evicted, humanBytes(r.Report.FreedBytes), r.Report.Remaining, r.Duration)
		}
		if resp.Error != "" {
			return &exitError{errors.New(resp.Error)}
		}
		return nil
	},
}

var adminSayCmd = &cobra.Command{
	Use:   "say <text>",
	Short: "Make the model say text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		interrupt := !sayQueue
		req := usecase.SayRequest{
			Target:    adminTarget,
			Text:      strings.Join(args, " "),
			Interrupt: &interrupt,
			TTSURL:    sayTTSURL,
		}
		if _, err := c.call(cmd.Context(), http.MethodPost, "/say", req, nil); err != nil {
			return err
		}
		okLabel.Fprintln(cmd.OutOrStdout(), "Sent")
		return nil
	},
}

var adminQueryCmd = &cobra.Command{
	Use:   "query <op>",
	Short: "Send a model.* or desktop.* request and print the client's answer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		req := usecase.QueryRequest{Target: adminTarget, Op: args[0]}
		if queryPayload != "" {
			if err := json.UnmarshalFromString(queryPayload, &req.Payload); err != nil {
				return fmt.Errorf("parse --payload: %w", err)
			}
		}
		raw, err := c.call(cmd.Context(), http.MethodPost, "/query", req, nil)
		if err != nil {
			return err
		}
		return printRaw(cmd.OutOrStdout(), raw)
	},
}

var adminMotionCmd = &cobra.Command{
	Use:   "motion",
	Short: "Inspect automatic motion classification",
}

var adminMotionTypesCmd = &cobra.Command{
	Use:   "types",
	Short: "List motion types and their keywords",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		var rules []converter.MotionRule
		raw, err := c.call(cmd.Context(), http.MethodGet, "/motion/types", nil, &rules)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printRaw(cmd.OutOrStdout(), raw)
		}
		out := cmd.OutOrStdout()
		for _, r := range rules {
			kws := r.Keywords
			more := ""
			if len(kws) > 5 {
				kws, more = kws[:5], fmt.Sprintf(" (+%d)", len(r.Keywords)-5)
			}
			printField(out, r.Type, strings.Join(kws, ", ")+more)
		}
		return nil
	},
}

var adminMotionMatchCmd = &cobra.Command{
	Use:   "match <text>",
	Short: "Show the motion type a reply would get",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		var match converter.MotionMatch
		raw, err := c.call(cmd.Context(), http.MethodPost, "/motion/match", usecase.MotionRequest{Text: strings.Join(args, " ")}, &match)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printRaw(cmd.OutOrStdout(), raw)
		}
		out := cmd.OutOrStdout()
		printField(out, "Motion type", match.Type)
		printField(out, "Score", fmt.Sprint(match.Score))
		if len(match.Keywords) > 0 {
			printField(out, "Keywords", strings.Join(match.Keywords, ", "))
		}
		return nil
	},
}

func init() {
	adminCmd.PersistentFlags().StringVar(&adminServer, "server", "", "Admin base URL (default <resource_base_url>/admin)")
	adminCmd.PersistentFlags().DurationVar(&adminTimeout, "timeout", 30*time.Second, "Request timeout")
	adminSayCmd.Flags().StringVar(&adminTarget, "target", "", "Session, user or client id (default: the only session)")
	adminSayCmd.Flags().BoolVar(&sayQueue, "queue", false, "Queue after the current performance instead of interrupting it")
	adminSayCmd.Flags().StringVar(&sayTTSURL, "tts-url", "", "Pre-rendered speech to play with the text")
	adminQueryCmd.Flags().StringVar(&adminTarget, "target", "", "Session, user or client id (default: the only session)")
	adminQueryCmd.Flags().StringVar(&queryPayload, "payload", "", "JSON object sent as the request payload")

	adminMotionCmd.AddCommand(adminMotionTypesCmd, adminMotionMatchCmd)
	adminCmd.AddCommand(adminStatusCmd, adminSessionsCmd, adminResourcesCmd, adminCleanupCmd, adminSayCmd, adminQueryCmd, adminMotionCmd)
}

// adminClient talks to the /admin group of a running bridge.
type adminClient struct {
	base     string
	token    string
	http     *http.Client
	attempts uint
}

func newAdminClient() (*adminClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.AdminEnabled {
		return nil, errors.New("admin_enabled is false in the configuration")
	}
	base := adminServer
	if base == "" {
		base = cfg.ResourceBaseURL + "/admin"
	}
	return &adminClient{
		base:     strings.TrimRight(base, "/"),
		token:    cfg.AuthToken,
		http:     &http.Client{Timeout: adminTimeout},
		attempts: 3,
	}, nil
}

// call sends body as JSON and decodes the answer into out when out is not nil.
// Connection failures are retried; HTTP errors are not.
func (c *adminClient) call(ctx context.Context, method, path string, body, out interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	raw, err := retry.DoWithData(
		func() ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
			if err != nil {
				return nil, retry.Unrecoverable(err)
			}
			req.Header.Set("Authorization", "Bearer "+c.token)
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			resp, err := c.http.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode >= http.StatusBadRequest {
				return nil, retry.Unrecoverable(responseError(resp.StatusCode, data))
			}
			return data, nil
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(300*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return raw, nil
}

func responseError(status int, body []byte) error {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return fmt.Errorf("admin request failed: %s", http.StatusText(status))
	}
	if e.Code != 0 {
		return fmt.Errorf("%s (%d): %s", e.Error, e.Code, e.Message)
	}
	return fmt.Errorf("%s: %s", e.Error, e.Message)
}

func printField(w io.Writer, key, value string) {
	keyLabel.Fprintf(w, "%-16s", key+":")
	fmt.Fprintln(w, value)
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printRaw(w io.Writer, raw []byte) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		_, err = w.Write(raw)
		return err
	}
	return printJSON(w, v)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
