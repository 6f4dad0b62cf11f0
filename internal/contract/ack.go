package contract

import (
	"fmt"

	branchpkg "tabula/internal/branch"
)

// AckState is a replica's self-reported status against a specific contract.
type AckState int8

const (
	// AckSecondaryNeedPrimary: the replica holds data for the region but has
	// no primary to stream from; the ack carries the newest version it holds.
	AckSecondaryNeedPrimary AckState = iota + 1
	// AckSecondaryStreaming: the replica is caught up and streaming writes
	// from the primary.
	AckSecondaryStreaming
	// AckPrimaryNeedBranch: the primary wants to register a branch it has
	// created; the ack carries the proposed branch id.
	AckPrimaryNeedBranch
	// AckPrimaryReady: the primary is serving writes under the combined
	// quorum requirement of the contract it is acknowledging.
	AckPrimaryReady
)

func (s AckState) String() string {
	switch s {
	case AckSecondaryNeedPrimary:
		return "secondary-need-primary"
	case AckSecondaryStreaming:
		return "secondary-streaming"
	case AckPrimaryNeedBranch:
		return "primary-need-branch"
	case AckPrimaryReady:
		return "primary-ready"
	default:
		return "unknown"
	}
}

// ParseAckState maps the wire name of an ack state back to its value.
func ParseAckState(s string) (AckState, error) {
	switch s {
	case "secondary-need-primary":
		return AckSecondaryNeedPrimary, nil
	case "secondary-streaming":
		return AckSecondaryStreaming, nil
	case "primary-need-branch":
		return AckPrimaryNeedBranch, nil
	case "primary-ready":
		return AckPrimaryReady, nil
	default:
		return 0, fmt.Errorf("contract: unknown ack state %q", s)
	}
}

// Ack is one replica's report for one contract it has observed. A replica
// that has not acked a given contract simply does not appear in the AckSet
// for it.
type Ack struct {
	State   AckState          `json:"state"`
	Version branchpkg.Version `json:"version"`
	// NewBranch is the branch id the primary proposes to register; set only
	// with AckPrimaryNeedBranch.
	NewBranch branchpkg.ID `json:"newBranch,omitempty"`
}

// AckSet holds the acks received for a single contract, keyed by server.
type AckSet map[ServerID]Ack
