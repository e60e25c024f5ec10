package core

import (
	"testing"

	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type otherSigner struct {
	fakeSigner
}

func (otherSigner) Serialize() ([]byte, error) {
	return []byte("someone else"), nil
}

func endorsedProposal(t *testing.T, responses ...*peer.ProposalResponse) *EndorsedProposal {
	txID, err := NewTxID(fakeSigner{})
	require.NoError(t, err)
	prop, err := createProposal(txID, common.HeaderType_ENDORSER_TRANSACTION, "mychannel", invocationSpec("mqtt", "add", nil))
	require.NoError(t, err)

	ep := &EndorsedProposal{TxID: txID, Channel: "mychannel", Proposal: prop}
	for i, r := range responses {
		ep.Responses = append(ep.Responses, &PeerResponse{Peer: orgPeers[i], Response: r})
	}
	return ep
}

func TestCreateSignedTx(t *testing.T) {
	ep := endorsedProposal(t, endorsement("ok"), endorsement("ok"))
	envelope, err := createSignedTx(fakeSigner{}, ep)
	require.NoError(t, err)
	assert.Equal(t, []byte("signature"), envelope.Signature)
}

func TestCreateSignedTxRejectsMismatches(t *testing.T) {
	diverging := endorsement("ok")
	diverging.Payload = []byte("other results")

	tests := map[string]struct {
		signer Signer
		ep     func() *EndorsedProposal
		reason string
	}{
		"no response": {
			signer: fakeSigner{},
			ep:     func() *EndorsedProposal { return endorsedProposal(t) },
			reason: "Fail to find any response",
		},
		"other creator": {
			signer: otherSigner{},
			ep:     func() *EndorsedProposal { return endorsedProposal(t, endorsement("ok")) },
			reason: "signer must be the same as the one referenced in the header",
		},
		"other transaction": {
			signer: fakeSigner{},
			ep: func() *EndorsedProposal {
				ep := endorsedProposal(t, endorsement("ok"))
				ep.TxID.ID = "another"
				return ep
			},
			reason: "expected another",
		},
		"diverging payloads": {
			signer: fakeSigner{},
			ep:     func() *EndorsedProposal { return endorsedProposal(t, endorsement("ok"), diverging) },
			reason: "do not match",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := createSignedTx(test.signer, test.ep())
			f := requireKind(t, err, EndorsementDisagreement)
			require.Len(t, f.Reasons, 1)
			assert.Contains(t, f.Reasons[0], test.reason)
		})
	}
}
