package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	direct "github.com/hipaadirect/direct-go"
)

// Config holds the process streams so tests can capture them.
type Config struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// DefaultConfig returns the process streams.
func DefaultConfig() Config {
	return Config{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
}

// MessageOutput is the JSON form of a received message.
type MessageOutput struct {
	EnvelopeID   string             `json:"envelope_id"`
	MessageID    string             `json:"message_id,omitempty"`
	From         string             `json:"from"`
	To           []string           `json:"to,omitempty"`
	Subject      string             `json:"subject,omitempty"`
	Text         string             `json:"text,omitempty"`
	HTML         string             `json:"html,omitempty"`
	Date         string             `json:"date,omitempty"`
	Signer       string             `json:"signer,omitempty"`
	Trusted      bool               `json:"trusted"`
	Warnings     []string           `json:"warnings,omitempty"`
	Attachments  []AttachmentOutput `json:"attachments,omitempty"`
	Error        string             `json:"error,omitempty"`
	ErrorKind    string             `json:"error_kind,omitempty"`
	Acknowledged bool               `json:"acknowledged,omitempty"`
}

// AttachmentOutput describes an attachment without its content.
type AttachmentOutput struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	Digest      string `json:"sha256"`
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func run(ctx context.Context, args []string, cfg Config) error {
	fs := flag.NewFlagSet("direct", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	configPath := fs.String("config", envOr("DIRECT_CONFIG", "direct.yaml"), "configuration file")
	envFile := fs.String("env", ".env", "environment file loaded before the configuration")
	timeout := fs.Duration("timeout", time.Minute, "deadline for one-shot commands")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: direct [-config file] <provision|send|fetch|ack|status|count|health|watch|verify-audit> [flags]")
	}

	dcfg, err := direct.LoadConfig(*configPath, *envFile)
	if err != nil {
		return err
	}
	logger := direct.NewLogger(dcfg, cfg.Stderr)
	opts := []direct.Option{direct.WithLogger(logger)}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd != "watch" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	if cmd == "provision" {
		return provision(ctx, cfg, dcfg, rest, opts)
	}

	client, err := direct.New(ctx, dcfg, opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	switch cmd {
	case "send":
		return send(ctx, cfg, client, rest)
	case "fetch":
		return fetch(ctx, cfg, client, rest)
	case "ack":
		return ack(ctx, cfg, client, rest)
	case "status":
		if len(rest) != 1 {
			return errors.New("usage: direct status <receipt-id>")
		}
		st, err := client.DeliveryStatus(ctx, rest[0])
		if err != nil {
			return err
		}
		return encode(cfg.Stdout, st)
	case "count":
		n, err := client.CheckCount(ctx)
		if err != nil {
			return err
		}
		return encode(cfg.Stdout, map[string]int{"pending": n})
	case "health":
		h := client.Health(ctx)
		if err := encode(cfg.Stdout, h); err != nil {
			return err
		}
		if !h.Reachable {
			return fmt.Errorf("backend unreachable: %s", h.Error)
		}
		return nil
	case "watch":
		return watch(ctx, cfg, client, rest)
	case "verify-audit":
		n, err := client.VerifyAudit(ctx)
		if err != nil {
			return err
		}
		return encode(cfg.Stdout, map[string]any{"verified": n, "ok": true})
	}
	return fmt.Errorf("unknown command: %s", cmd)
}

func provision(ctx context.Context, cfg Config, dcfg *direct.Config, args []string, opts []direct.Option) error {
	fs := flag.NewFlagSet("provision", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	days := fs.Int("days", 365, "validity in days")
	bits := fs.Int("bits", 0, "RSA modulus size (default 2048)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bits > 0 {
		opts = append(opts, direct.WithKeyBits(*bits))
	}
	cert, err := direct.Provision(ctx, dcfg, *days, opts...)
	if err != nil {
		return err
	}
	return encode(cfg.Stdout, cert)
}

func send(ctx context.Context, cfg Config, client *direct.Client, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	var to, attach stringList
	fs.Var(&to, "to", "recipient address (repeatable)")
	fs.Var(&attach, "attach", "file to attach (repeatable)")
	subject := fs.String("subject", "", "subject line")
	text := fs.String("text", "", "plain text body; - reads stdin")
	html := fs.String("html", "", "HTML body")
	if err := fs.Parse(args); err != nil {
		return err
	}

	body := *text
	if body == "-" {
		data, err := io.ReadAll(cfg.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		body = string(data)
	}
	spec := direct.MessageSpec{To: to, Subject: *subject, Text: body, HTML: *html}
	for _, path := range attach {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read attachment: %w", err)
		}
		spec.Attachments = append(spec.Attachments, direct.AttachmentSpec{
			Filename:    filepath.Base(path),
			ContentType: mime.TypeByExtension(filepath.Ext(path)),
			Content:     data,
		})
	}

	receipt, err := client.Send(ctx, spec)
	if err != nil {
		return err
	}
	return encode(cfg.Stdout, receipt)
}

func fetch(ctx context.Context, cfg Config, client *direct.Client, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	limit := fs.Int("limit", 10, "maximum envelopes; 0 fetches all")
	from := fs.String("from", "", "only envelopes from this sender")
	doAck := fs.Bool("ack", false, "acknowledge envelopes that opened successfully")
	if err := fs.Parse(args); err != nil {
		return err
	}

	received, err := client.FetchWithOptions(ctx, direct.FetchOptions{
		Limit:  *limit,
		Filter: direct.FetchFilter{From: *from},
	})
	if err != nil {
		return err
	}
	output := struct {
		Messages []MessageOutput `json:"messages"`
	}{Messages: make([]MessageOutput, 0, len(received))}
	for _, r := range received {
		m := toOutput(r)
		if *doAck && r.Err == nil {
			if err := client.Acknowledge(ctx, r.EnvelopeID); err != nil {
				return err
			}
			m.Acknowledged = true
		}
		output.Messages = append(output.Messages, m)
	}
	return encode(cfg.Stdout, output)
}

func ack(ctx context.Context, cfg Config, client *direct.Client, ids []string) error {
	if len(ids) == 0 {
		return errors.New("usage: direct ack <envelope-id>...")
	}
	results := make(map[string]string, len(ids))
	var failed error
	for _, id := range ids {
		if err := client.Acknowledge(ctx, id); err != nil {
			results[id] = direct.ErrorKind(err)
			failed = errors.Join(failed, err)
			continue
		}
		results[id] = "acknowledged"
	}
	if err := encode(cfg.Stdout, results); err != nil {
		return err
	}
	return failed
}

func watch(ctx context.Context, cfg Config, client *direct.Client, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	interval := fs.Duration("interval", direct.WatchInitialInterval, "initial poll interval")
	maxInterval := fs.Duration("max-interval", direct.WatchMaxBackoff, "maximum poll interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	enc := json.NewEncoder(cfg.Stdout)
	err := client.Watch(ctx, func(_ context.Context, r *direct.Received) error {
		return enc.Encode(toOutput(r))
	}, direct.WithPollInterval(*interval, *maxInterval))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func toOutput(r *direct.Received) MessageOutput {
	m := MessageOutput{EnvelopeID: r.EnvelopeID, From: r.From}
	if r.Err != nil {
		m.Error = r.Err.Error()
		m.ErrorKind = direct.ErrorKind(r.Err)
		return m
	}
	msg := r.Message
	m.MessageID = msg.MessageID
	m.To = msg.Recipients()
	m.Subject = msg.Subject
	m.Text = msg.Text
	m.HTML = msg.HTML
	m.Date = msg.Date.UTC().Format(time.RFC3339)
	m.Signer = r.SignerAddress
	m.Trusted = r.Trusted
	m.Warnings = r.Warnings
	for _, att := range msg.Attachments {
		m.Attachments = append(m.Attachments, AttachmentOutput{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        len(att.Content),
			Digest:      att.Digest,
		})
	}
	return m
}

func encode(w io.Writer, v any) error {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
