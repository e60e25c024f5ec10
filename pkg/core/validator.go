package core

import (
	"fmt"
)

// successStatus is the status of a successful proposal response
const successStatus = 200

const malformedResponse = "malformed proposal response: missing response"

// ValidateEndorsements accepts the responses only if every peer endorsed with
// status 200. Otherwise it fails with the distinct reasons reported by the
// dissenting peers.
func ValidateEndorsements(responses []*PeerResponse) error {
	if len(responses) == 0 {
		return &Failure{Kind: EndorsementDisagreement, Reasons: []string{"no proposal responses received"}}
	}

	var reasons, peers []string
	for _, r := range responses {
		reason, ok := endorsed(r)
		if ok {
			continue
		}
		reasons = append(reasons, reason)
		if r != nil {
			peers = append(peers, r.Peer)
		}
	}

	if len(reasons) == 0 {
		return nil
	}
	return &Failure{
		Kind:    EndorsementDisagreement,
		Reasons: dedup(reasons),
		Peers:   peers,
	}
}

// endorsed fails closed: anything but a response with status 200 is a refusal
func endorsed(r *PeerResponse) (string, bool) {
	switch {
	case r == nil:
		return malformedResponse, false
	case r.Err != nil:
		return r.Err.Error(), false
	case r.Response == nil || r.Response.Response == nil:
		return malformedResponse, false
	case r.Response.Response.Status != successStatus:
		if r.Response.Response.Message != "" {
			return r.Response.Response.Message, false
		}
		return fmt.Sprintf("proposal response status %d", r.Response.Response.Status), false
	}
	return "", true
}
