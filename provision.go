package direct

import (
	"context"
	"errors"
)

// Provision generates a keypair and self-signed certificate for
// cfg.Address and saves them to the certificate store. The operation is
// audited to the configured sinks. It is the first-run step before New can
// load the identity from the store.
func Provision(ctx context.Context, cfg *Config, validityDays int, opts ...Option) (*Certificate, error) {
	s, err := prepare(cfg, opts)
	if err != nil {
		return nil, err
	}
	store, err := s.certStore()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("direct: provisioning needs certs.dir or WithCertStore")
	}
	ledger, err := s.openLedger(ctx)
	if err != nil {
		return nil, err
	}

	cert, err := s.manager(ledger, store, nil).Generate(ctx, s.local.String(), validityDays)
	if cerr := ledger.Close(); err == nil && cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, err
	}
	return cert, nil
}
