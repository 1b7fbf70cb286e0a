package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/shineum/relaymail/internal/attachment"
	"github.com/shineum/relaymail/internal/compose"
	"github.com/shineum/relaymail/internal/directory"
	"github.com/shineum/relaymail/internal/draft"
	"github.com/shineum/relaymail/internal/email"
	"github.com/shineum/relaymail/internal/metrics"
	"github.com/shineum/relaymail/internal/recipient"
	"github.com/shineum/relaymail/internal/upload"
)

var (
	sendFrom         string
	sendTo           []string
	sendSubject      string
	sendMessage      string
	sendMessageFile  string
	sendAttach       []string
	sendDraft        string
	sendMetricsFile  string
	sendAllowDropped bool
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Compose and submit a message",
	Long: `Compose a message from flags or a saved .eml draft and submit it.

--to accepts full addresses or directory search terms; a search term
selects the first matching directory entry. Attachments over 7 MB are
uploaded first and sent as download links.`,
	Args: cobra.NoArgs,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVarP(&sendFrom, "from", "f", "", "sender prefix (local part of the From address)")
	sendCmd.Flags().StringArrayVarP(&sendTo, "to", "t", nil, "recipient address or directory search term (repeatable)")
	sendCmd.Flags().StringVarP(&sendSubject, "subject", "s", "", "message subject")
	sendCmd.Flags().StringVarP(&sendMessage, "message", "m", "", "message body")
	sendCmd.Flags().StringVar(&sendMessageFile, "message-file", "", "read the message body from a file")
	sendCmd.Flags().StringArrayVarP(&sendAttach, "attach", "a", nil, "file to attach (repeatable)")
	sendCmd.Flags().StringVar(&sendDraft, "eml", "", "start from a saved .eml draft")
	sendCmd.Flags().StringVar(&sendMetricsFile, "metrics-file", "", "write pipeline metrics in Prometheus text format to this file")
	sendCmd.Flags().BoolVar(&sendAllowDropped, "allow-dropped", false, "send even if some large attachments failed to upload")
	sendCmd.MarkFlagsMutuallyExclusive("message", "message-file")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	cl, err := newClients(cfg)
	if err != nil {
		return err
	}
	r, err := selectRelay(ctx, cfg, cl)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	m := metrics.New()
	orch := attachment.NewOrchestrator(
		upload.NewHTTPUploader(upload.HTTPUploaderConfig{
			BaseURL:     cfg.API.URL,
			AuthHeader:  cfg.API.AuthHeader,
			Credentials: cl.credentials,
			HTTPClient:  cl.uploads,
		}),
		attachment.WithLimits(limitsFor(cfg)),
		attachment.WithMaxConcurrent(cfg.Limits.MaxConcurrentUploads),
		attachment.WithEventHandler(newProgressPrinter(out).handle),
		attachment.WithMetrics(m),
	)
	defer func() {
		cancel()
		orch.Drain()
	}()

	var (
		lookup  directory.Lookup
		allowed []string
	)
	if cfg.API.URL != "" {
		dir := newDirectory(cfg, cl)
		lookup = dir
		allowed, err = dir.AllowedPrefixes(ctx)
		if err != nil {
			slog.Warn("failed to load allowed sender prefixes", "error", err)
		}
	}

	set := recipient.NewSet()
	form := compose.NewForm(cfg.Sender.Domain, r, orch,
		compose.WithAllowedPrefixes(allowed),
		compose.WithMetrics(m),
		compose.WithRecipients(set),
	)

	files, err := fillForm(form, set)
	if err != nil {
		return err
	}

	res := newResolver(set, lookup, cfg.Search.Debounce, cfg.Search.MinQueryLength)
	defer res.Close()
	for _, to := range sendTo {
		if err := res.Add(ctx, to); err != nil {
			return err
		}
	}

	for _, path := range sendAttach {
		att, err := attachment.FromFile(path)
		if err != nil {
			return err
		}
		files = append(files, att)
	}
	if len(files) > 0 {
		if _, err := orch.Add(ctx, files...); err != nil {
			fmt.Fprintln(out, color.RedString("✗ %v", err))
			return err
		}
	}

	if err := orch.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for uploads: %w", err)
	}
	if err := checkDropped(orch.Failures(), sendAllowDropped); err != nil {
		fmt.Fprintln(out, color.RedString("✗ %v", err))
		return err
	}

	receipt, err := form.Submit(ctx)
	writeMetrics(m)
	if err != nil {
		fmt.Fprintln(out, color.RedString("✗ %s", form.Snapshot().Error))
		return err
	}

	fmt.Fprintln(out, color.GreenString("✓ %s", compose.SuccessMessage))
	if receipt != nil && receipt.MessageID != "" {
		fmt.Fprintf(out, "  Message ID: %s\n", receipt.MessageID)
	}
	return nil
}

// fillForm applies the draft, the configured defaults and the content flags,
// in that order of increasing precedence. It returns the draft attachments.
func fillForm(form *compose.Form, set *recipient.Set) ([]email.Attachment, error) {
	var files []email.Attachment

	prefix := cfg.Sender.Prefix
	if sendDraft != "" {
		d, err := draft.ParseFile(sendDraft)
		if err != nil {
			return nil, err
		}
		if p := d.Prefix(); p != "" {
			prefix = p
		}
		form.SetSubject(d.Subject)
		form.SetBody(d.Body())
		for _, rcpt := range d.Recipients {
			if _, err := set.AddRecipient(rcpt); err != nil {
				slog.Warn("skipping draft recipient", "email", rcpt.Email, "error", err)
			}
		}
		files = append(files, d.Attachments...)
	}

	if sendFrom != "" {
		prefix = sendFrom
	}
	form.SetPrefix(prefix)

	if sendSubject != "" {
		form.SetSubject(sendSubject)
	}
	switch {
	case sendMessageFile != "":
		body, err := os.ReadFile(sendMessageFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read message file: %w", err)
		}
		form.SetBody(string(body))
	case sendMessage != "":
		form.SetBody(sendMessage)
	}

	return files, nil
}

// checkDropped refuses to send when uploads failed and their attachments
// were removed, unless the user allowed it.
func checkDropped(failed []*attachment.UploadError, allow bool) error {
	if len(failed) == 0 {
		return nil
	}
	names := make([]string, 0, len(failed))
	for _, f := range failed {
		names = append(names, f.Name)
	}
	if allow {
		slog.Warn("sending without dropped attachments", "names", names)
		return nil
	}
	return fmt.Errorf("not sending: upload failed for %s (use --allow-dropped to send without them)", strings.Join(names, ", "))
}

func writeMetrics(m *metrics.Metrics) {
	if sendMetricsFile == "" {
		return
	}
	if err := prometheus.WriteToTextfile(sendMetricsFile, m.Registry); err != nil {
		slog.Warn("failed to write metrics", "path", sendMetricsFile, "error", err)
	}
}

// progressPrinter prints one line per upload milestone.
type progressPrinter struct {
	w io.Writer

	mu   sync.Mutex
	last map[string]int
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, last: make(map[string]int)}
}

func (p *progressPrinter) handle(ev attachment.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case attachment.EventProgress:
		step := ev.Progress / 25 * 25
		if prev, ok := p.last[ev.AttachmentID]; ok && step <= prev {
			return
		}
		p.last[ev.AttachmentID] = step
		fmt.Fprintf(p.w, "  uploading %s %d%%\n", ev.Name, step)
	case attachment.EventUploaded:
		delete(p.last, ev.AttachmentID)
		fmt.Fprintln(p.w, color.GreenString("✓ uploaded %s", ev.Name))
	case attachment.EventFailed:
		delete(p.last, ev.AttachmentID)
		fmt.Fprintln(p.w, color.RedString("✗ %v (attachment removed)", ev.Err))
	}
}
