package core

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind classifies why an operation failed
type Kind int

const (
	KindUnknown Kind = iota
	// EndorsementDisagreement: one or more peers did not endorse
	EndorsementDisagreement
	// OrderingRejected: the orderer answered with a status other than SUCCESS
	OrderingRejected
	// CommitInvalid: a peer committed the transaction with a code other than VALID
	CommitInvalid
	// CommitTimeout: no commit event arrived from a peer within its window
	CommitTimeout
	// TransportFailure: an RPC or event source failed
	TransportFailure
)

func (k Kind) String() string {
	switch k {
	case EndorsementDisagreement:
		return "endorsement_disagreement"
	case OrderingRejected:
		return "ordering_rejected"
	case CommitInvalid:
		return "commit_invalid"
	case CommitTimeout:
		return "commit_timeout"
	case TransportFailure:
		return "transport_failure"
	default:
		return "unknown"
	}
}

// Failure is the error returned by every operation of the core
type Failure struct {
	Kind    Kind
	Peer    string   // peer the failure is attributed to, if any
	Status  string   // orderer status for OrderingRejected
	Code    string   // validation code for CommitInvalid
	Reasons []string // distinct endorsement failure reasons
	Peers   []string // peers that failed to endorse
	Causes  []error  // every failure observed while joining commit watchers
	Err     error
}

func (f *Failure) Error() string {
	switch f.Kind {
	case EndorsementDisagreement:
		return fmt.Sprintf("endorsement failed: %s", strings.Join(f.Reasons, "; "))
	case OrderingRejected:
		if f.Err != nil {
			return fmt.Sprintf("failed to order the transaction, status %s: %v", f.Status, f.Err)
		}
		return fmt.Sprintf("failed to order the transaction, status %s", f.Status)
	case CommitInvalid:
		return fmt.Sprintf("transaction was invalid on peer %s, code: %s", f.Peer, f.Code)
	case CommitTimeout:
		return fmt.Sprintf("timed out waiting for commit event from peer %s", f.Peer)
	}
	if f.Peer != "" {
		return fmt.Sprintf("%s on peer %s: %v", f.Kind, f.Peer, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// KindOf returns the kind of the Failure wrapped by err
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

func transportFailure(peerName string, err error) *Failure {
	return &Failure{Kind: TransportFailure, Peer: peerName, Err: err}
}

// disagreement reports responses that cannot form one transaction
func disagreement(format string, args ...interface{}) *Failure {
	return &Failure{Kind: EndorsementDisagreement, Reasons: []string{fmt.Sprintf(format, args...)}}
}

// dedup returns the distinct values of items keeping the order of first occurrence
func dedup(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	result := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		result = append(result, item)
	}
	return result
}
