//go:build integration

package integration

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"

	direct "github.com/hipaadirect/direct-go"
)

var errNotOurs = errors.New("not the test message")

var (
	configPath string
	partner    string
)

// TestMain reads DIRECT_CONFIG, the configuration of a real HISP account,
// and DIRECT_PARTNER, an address whose certificate is in the store and
// whose mail is delivered back to this account.
func TestMain(m *testing.M) {
	// Load .env file if it exists (won't error if missing)
	if err := godotenv.Load("../.env"); err != nil {
		os.Stderr.WriteString("Note: .env file not found at project root\n")
	}

	configPath = os.Getenv("DIRECT_CONFIG")
	partner = os.Getenv("DIRECT_PARTNER")

	if configPath == "" {
		os.Stderr.WriteString("Skipping integration tests: DIRECT_CONFIG not set\n")
		os.Exit(0)
	}

	os.Stderr.WriteString("Running integration tests...\n")
	os.Stderr.WriteString("Config: " + configPath + "\n")

	os.Exit(m.Run())
}

func newClient(t *testing.T) *direct.Client {
	t.Helper()

	cfg, err := direct.LoadConfig(configPath, "../.env")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	client, err := direct.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		client.Close()
	})
	return client
}

func TestIntegration_Health(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	h := client.Health(ctx)
	if !h.Reachable {
		t.Fatalf("Health() = %+v, want reachable", h)
	}
	t.Logf("Backend %s reachable, capabilities %s", h.Backend, client.Capabilities())

	n, err := client.CheckCount(ctx)
	if err != nil {
		t.Fatalf("CheckCount() error = %v", err)
	}
	t.Logf("Pending envelopes: %d", n)
}

func TestIntegration_FetchIsStable(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	first, err := client.Fetch(ctx, 5)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	second, err := client.Fetch(ctx, 5)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("repeat Fetch() returned %d envelopes, first returned %d", len(second), len(first))
	}
	for i := range first {
		if first[i].EnvelopeID != second[i].EnvelopeID {
			t.Errorf("envelope %d: id %s, then %s", i, first[i].EnvelopeID, second[i].EnvelopeID)
		}
	}
}

func TestIntegration_SendAndReceive(t *testing.T) {
	if partner == "" {
		t.Skip("DIRECT_PARTNER not set")
	}
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	subject := "integration " + time.Now().UTC().Format(time.RFC3339Nano)
	receipt, err := client.Send(ctx, direct.MessageSpec{
		To:      []string{partner},
		Subject: subject,
		Text:    "integration test message",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	t.Logf("Sent %s: %s", receipt.ID, receipt.Status)

	got := make(chan *direct.Received, 1)
	watchCtx, stop := context.WithCancel(ctx)
	defer stop()
	go client.Watch(watchCtx, func(_ context.Context, r *direct.Received) error {
		if r.Err == nil && r.Message.Subject == subject {
			select {
			case got <- r:
			default:
			}
			return nil
		}
		return errNotOurs
	})

	select {
	case r := <-got:
		if r.SignerAddress != client.Address() && r.SignerAddress != partner {
			t.Errorf("SignerAddress = %s", r.SignerAddress)
		}
	case <-ctx.Done():
		t.Fatal("message did not arrive")
	}

	if _, err := client.VerifyAudit(ctx); err != nil {
		t.Errorf("VerifyAudit() error = %v", err)
	}
}
