package registry

import (
	"fmt"
	"time"
)

// ProposalStatus is a governance proposal's lifecycle position.
type ProposalStatus string

// Proposal statuses.
const (
	ProposalOpen     ProposalStatus = "open"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
)

// Proposal is a tenant governance proposal with its vote record. The
// decision rule is a simple majority of the validator set at voting time.
type Proposal struct {
	ID        string
	Title     string
	Proposer  string
	CreatedAt time.Time
	Status    ProposalStatus

	// Votes maps validator identity to approval.
	Votes map[string]bool
}

// AddValidator admits an identity to the tenant's validator set.
func (r *Registry) AddValidator(tenant, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenant(tenant).validators[identity] = true
}

// RemoveValidator drops an identity from the validator set. Standing
// votes keep their effect on open proposals; only the quorum base
// shrinks.
func (r *Registry) RemoveValidator(tenant, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts, ok := r.tenants[tenant]; ok {
		delete(ts.validators, identity)
	}
}

// Validators returns the tenant's validator identities.
func (r *Registry) Validators(tenant string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.tenants[tenant]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ts.validators))
	for v := range ts.validators {
		out = append(out, v)
	}
	return out
}

// CreateProposal opens a proposal. Only validators may propose.
func (r *Registry) CreateProposal(tenant, id, title, proposer string) (*Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.tenant(tenant)
	if !ts.validators[proposer] {
		return nil, ErrNotValidator
	}
	if _, exists := ts.proposals[id]; exists {
		return nil, fmt.Errorf("registry: proposal %q already exists", id)
	}

	p := &Proposal{
		ID:        id,
		Title:     title,
		Proposer:  proposer,
		CreatedAt: r.now(),
		Status:    ProposalOpen,
		Votes:     make(map[string]bool),
	}
	ts.proposals[id] = p
	return r.snapshotProposal(p), nil
}

// Vote records a validator's vote and decides the proposal once a
// majority of the validator set agrees either way.
func (r *Registry) Vote(tenant, proposalID, voter string, approve bool) (*Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.tenants[tenant]
	if !ok {
		return nil, ErrUnknownTenant
	}
	p, ok := ts.proposals[proposalID]
	if !ok {
		return nil, ErrUnknownProposal
	}
	if p.Status != ProposalOpen {
		return nil, ErrProposalClosed
	}
	if !ts.validators[voter] {
		return nil, ErrNotValidator
	}
	if _, voted := p.Votes[voter]; voted {
		return nil, ErrAlreadyVoted
	}

	p.Votes[voter] = approve

	approvals, rejections := 0, 0
	for _, a := range p.Votes {
		if a {
			approvals++
		} else {
			rejections++
		}
	}
	quorum := len(ts.validators)/2 + 1
	switch {
	case approvals >= quorum:
		p.Status = ProposalAccepted
	case rejections >= quorum:
		p.Status = ProposalRejected
	}

	return r.snapshotProposal(p), nil
}

// Proposal returns a snapshot of the identified proposal.
func (r *Registry) Proposal(tenant, proposalID string) (*Proposal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.tenants[tenant]
	if !ok {
		return nil, ErrUnknownTenant
	}
	p, ok := ts.proposals[proposalID]
	if !ok {
		return nil, ErrUnknownProposal
	}
	return r.snapshotProposal(p), nil
}

// snapshotProposal copies p so callers never hold registry-internal
// state. Caller holds at least the read lock.
func (r *Registry) snapshotProposal(p *Proposal) *Proposal {
	cp := *p
	cp.Votes = make(map[string]bool, len(p.Votes))
	for k, v := range p.Votes {
		cp.Votes[k] = v
	}
	return &cp
}
