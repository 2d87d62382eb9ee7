// Package direct is a Go client for exchanging HIPAA-regulated messages over
// the Direct Protocol.
//
// Outbound messages are built from a [MessageSpec], signed with the local
// certificate, encrypted to every recipient certificate and handed to the
// configured transport backend. Inbound envelopes are decrypted and verified
// before they are returned. Every security-relevant operation is recorded in
// a tamper-evident audit ledger; a ledger write failure aborts the operation.
//
// Exactly one backend is selected when the client is created: POP3, IMAP or
// a queue REST service. POP3 and IMAP deployments send through SMTP.
//
// Basic usage:
//
//	cfg, err := direct.LoadConfig("direct.yaml", ".env")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := direct.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	receipt, err := client.Send(ctx, direct.MessageSpec{
//	    From:    "alice@clinic.direct",
//	    To:      []string{"bob@hospital.direct"},
//	    Subject: "Referral",
//	    Text:    "See attached",
//	})
//
//	received, err := client.Fetch(ctx, 10)
//	for _, r := range received {
//	    if r.Err != nil {
//	        continue
//	    }
//	    // process r.Message, then
//	    _ = client.Acknowledge(ctx, r.EnvelopeID)
//	}
//
// Fetch does not consume envelopes. Acknowledge after processing gives
// at-least-once delivery; callers that run several workers against one
// account must deduplicate by message-id.
package direct
