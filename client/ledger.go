package client

import (
	"context"
	"fmt"

	"PulseNebula/internal/api"
	"PulseNebula/internal/fhe"
	"PulseNebula/internal/ledger"
	"PulseNebula/internal/signer"
)

// LedgerAddress returns the ledger's contract address. It is fetched once.
func (c *Client) LedgerAddress(ctx context.Context) (fhe.Address, error) {
	c.addrMu.Lock()
	defer c.addrMu.Unlock()

	if !c.ledgerAddr.IsZero() {
		return c.ledgerAddr, nil
	}

	st, err := c.Status(ctx)
	if err != nil {
		return fhe.Address{}, err
	}
	if st.Ledger.IsZero() {
		return fhe.Address{}, fmt.Errorf("node reports no ledger address")
	}

	c.ledgerAddr = st.Ledger

	return st.Ledger, nil
}

// SubmitSample seals sub with s and posts it.
func (c *Client) SubmitSample(ctx context.Context, s signer.Sealer, sub ledger.Submission) (uint64, error) {
	env, err := s.Seal(sub)
	if err != nil {
		return 0, fmt.Errorf("seal submission:\n%w", err)
	}

	var resp api.SubmitResponse
	if err := c.postJSON(ctx, "/ledger/samples", env, &resp); err != nil {
		return 0, err
	}

	return resp.ID, nil
}

// GrantAccess lets grantee decrypt sample id. s must belong to the owner.
func (c *Client) GrantAccess(ctx context.Context, s signer.Sealer, id uint64, grantee fhe.Address) error {
	env, err := s.Seal(api.GrantRequest{SampleID: id, Grantee: grantee})
	if err != nil {
		return fmt.Errorf("seal grant:\n%w", err)
	}

	return c.postJSON(ctx, fmt.Sprintf("/ledger/samples/%d/grants", id), env, nil)
}

// AuthorizeCollectiveAccess grants the signer decryption of the aggregate.
func (c *Client) AuthorizeCollectiveAccess(ctx context.Context, s signer.Sealer) error {
	addr, err := c.LedgerAddress(ctx)
	if err != nil {
		return err
	}

	env, err := s.Seal(api.CollectiveRequest{Ledger: addr})
	if err != nil {
		return fmt.Errorf("seal authorization:\n%w", err)
	}

	return c.postJSON(ctx, "/ledger/collective/authorize", env, nil)
}

// RetrieveSample fetches sample id.
func (c *Client) RetrieveSample(ctx context.Context, id uint64) (*ledger.Sample, error) {
	var sample ledger.Sample
	if err := c.getJSON(ctx, fmt.Sprintf("/ledger/samples/%d", id), &sample); err != nil {
		return nil, err
	}
	return &sample, nil
}

// SampleSynopsis fetches the metadata of sample id.
func (c *Client) SampleSynopsis(ctx context.Context, id uint64) (*ledger.Synopsis, error) {
	var syn ledger.Synopsis
	if err := c.getJSON(ctx, fmt.Sprintf("/ledger/samples/%d/synopsis", id), &syn); err != nil {
		return nil, err
	}
	return &syn, nil
}

// ListSamplesForOwner returns owner's sample ids in insertion order.
func (c *Client) ListSamplesForOwner(ctx context.Context, owner fhe.Address) ([]uint64, error) {
	var resp api.SamplesResponse
	if err := c.getJSON(ctx, "/ledger/owners/"+owner.String()+"/samples", &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// AggregateHandles returns the encrypted sum and count.
func (c *Client) AggregateHandles(ctx context.Context) (fhe.Handle, fhe.Handle, error) {
	var resp api.AggregateResponse
	if err := c.getJSON(ctx, "/ledger/aggregate", &resp); err != nil {
		return fhe.Handle{}, fhe.Handle{}, err
	}
	return resp.Sum, resp.Count, nil
}

// TotalSamples returns the number of logged samples.
func (c *Client) TotalSamples(ctx context.Context) (uint64, error) {
	var resp api.TotalResponse
	if err := c.getJSON(ctx, "/ledger/total", &resp); err != nil {
		return 0, err
	}
	return resp.Total, nil
}
