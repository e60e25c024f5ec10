package core

import (
	"bytes"
	"crypto/rand"
	"math"

	"github.com/golang/protobuf/proto"
	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/orderer"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/osdi23p228/fabric/core/ledger/kvledger/txmgmt/rwsetutil"
	"github.com/osdi23p228/fabric/protoutil"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	lscc = "lscc"
	cscc = "cscc"
	qscc = "qscc"

	lsccInstall = "install"
	lsccDeploy  = "deploy"

	csccJoinChain   = "JoinChain"
	csccGetChannels = "GetChannels"

	qsccGetBlockByTxID = "GetBlockByTxID"

	defaultESCC = "escc"
	defaultVSCC = "vscc"
)

func getRandomNonce() ([]byte, error) {
	key := make([]byte, 24)

	_, err := rand.Read(key)
	if err != nil {
		return nil, errors.Wrap(err, "error getting random bytes")
	}
	return key, nil
}

// NewTxID creates a fresh transaction id bound to the identity of signer
func NewTxID(signer Signer) (TxID, error) {
	creator, err := signer.Serialize()
	if err != nil {
		return TxID{}, errors.Wrap(err, "error serializing identity")
	}
	nonce, err := getRandomNonce()
	if err != nil {
		return TxID{}, err
	}
	return TxID{
		ID:      protoutil.ComputeTxID(nonce, creator),
		Nonce:   nonce,
		Creator: creator,
	}, nil
}

func chaincodeSpec(name, version, path string, args [][]byte) *peer.ChaincodeSpec {
	return &peer.ChaincodeSpec{
		Type:        peer.ChaincodeSpec_GOLANG,
		ChaincodeId: &peer.ChaincodeID{Name: name, Version: version, Path: path},
		Input:       &peer.ChaincodeInput{Args: args},
	}
}

func systemInvocation(scc string, args ...[]byte) *peer.ChaincodeInvocationSpec {
	return &peer.ChaincodeInvocationSpec{ChaincodeSpec: chaincodeSpec(scc, "", "", args)}
}

// invocationSpec converts the function name and string arguments into a chaincode invocation
func invocationSpec(chaincode, fcn string, args []string) *peer.ChaincodeInvocationSpec {
	argsByte := [][]byte{[]byte(fcn)}
	for _, arg := range args {
		argsByte = append(argsByte, []byte(arg))
	}
	return &peer.ChaincodeInvocationSpec{ChaincodeSpec: chaincodeSpec(chaincode, "", "", argsByte)}
}

func installSpec(cds *peer.ChaincodeDeploymentSpec) (*peer.ChaincodeInvocationSpec, error) {
	cdsBytes, err := proto.Marshal(cds)
	if err != nil {
		return nil, errors.Wrap(err, "error marshaling ChaincodeDeploymentSpec")
	}
	return systemInvocation(lscc, []byte(lsccInstall), cdsBytes), nil
}

func deploySpec(channel string, cds *peer.ChaincodeDeploymentSpec, policy []byte) (*peer.ChaincodeInvocationSpec, error) {
	cdsBytes, err := proto.Marshal(cds)
	if err != nil {
		return nil, errors.Wrap(err, "error marshaling ChaincodeDeploymentSpec")
	}
	return systemInvocation(lscc,
		[]byte(lsccDeploy),
		[]byte(channel),
		cdsBytes,
		policy,
		[]byte(defaultESCC),
		[]byte(defaultVSCC),
	), nil
}

// createProposal creates an unsigned proposal carrying txID
func createProposal(txID TxID, headerType common.HeaderType, channel string, cis *peer.ChaincodeInvocationSpec) (*peer.Proposal, error) {
	prop, _, err := protoutil.CreateChaincodeProposalWithTxIDNonceAndTransient(
		txID.ID,
		headerType,
		channel,
		cis,
		txID.Nonce,
		txID.Creator,
		nil,
	)
	if err != nil {
		return nil, errors.Wrap(err, "error creating proposal")
	}
	return prop, nil
}

// signProposal signs an unsigned proposal and attach the signature to the signed proposal
func signProposal(signer Signer, prop *peer.Proposal) (*peer.SignedProposal, error) {
	proposalBytes, err := proto.Marshal(prop)
	if err != nil {
		return nil, err
	}

	signature, err := signer.Sign(proposalBytes)
	if err != nil {
		return nil, errors.Wrap(err, "error signing proposal")
	}

	return &peer.SignedProposal{
		ProposalBytes: proposalBytes,
		Signature:     signature,
	}, nil
}

// createSignedTx checks that the responses belong to the proposal, then signs and generates an envelope
func createSignedTx(signer Signer, e *EndorsedProposal) (*common.Envelope, error) {
	responses := e.ProposalResponses()
	if len(responses) == 0 {
		return nil, disagreement("Fail to find any response")
	}

	header, err := getHeader(signer, e.Proposal.Header)
	if err != nil {
		return nil, err
	}

	if err = checkHeaderTxID(header, e.TxID.ID); err != nil {
		return nil, err
	}

	ccActionPayload, err := generateChaincodeActionPayload(e.Proposal, responses)
	if err != nil {
		return nil, err
	}

	tx, err := generateTransaction(header, ccActionPayload)
	if err != nil {
		return nil, err
	}

	payload, err := generatePayload(header, tx)
	if err != nil {
		return nil, err
	}

	return generateEnvelope(signer, payload)
}

func getHeader(signer Signer, headerBytes []byte) (*common.Header, error) {
	header := &common.Header{}
	err := proto.Unmarshal(headerBytes, header)
	if err != nil {
		return nil, errors.Wrap(err, "error unmarshaling Header")
	}

	err = checkHeaderSignerValidity(signer, header)
	if err != nil {
		return nil, err
	}

	return header, nil
}

// checkHeaderSignerValidity check that the signer is the same
// that is referenced in the header.
func checkHeaderSignerValidity(signer Signer, header *common.Header) error {
	identityBytes, err := signer.Serialize()
	if err != nil {
		return err
	}

	signatureHeader := &common.SignatureHeader{}
	if err := proto.Unmarshal(header.SignatureHeader, signatureHeader); err != nil {
		return errors.Wrap(err, "error unmarshaling SignatureHeader")
	}

	if !bytes.Equal(identityBytes, signatureHeader.Creator) {
		return disagreement("signer must be the same as the one referenced in the header")
	}

	return nil
}

func checkHeaderTxID(header *common.Header, txID string) error {
	channelHeader, err := protoutil.UnmarshalChannelHeader(header.ChannelHeader)
	if err != nil {
		return errors.Wrap(err, "error unmarshaling ChannelHeader")
	}
	if channelHeader.TxId != txID {
		return disagreement("proposal carries transaction %s, expected %s", channelHeader.TxId, txID)
	}
	return nil
}

func collectEndorsements(responses []*peer.ProposalResponse) ([]*peer.Endorsement, error) {
	err := checkResponsesStatusValidity(responses)
	if err != nil {
		return nil, err
	}

	err = checkResponsePayloadValidity(responses)
	if err != nil {
		return nil, err
	}

	endorsements := make([]*peer.Endorsement, len(responses))
	for i, r := range responses {
		endorsements[i] = r.Endorsement
	}
	return endorsements, nil
}

func checkResponsesStatusValidity(responses []*peer.ProposalResponse) error {
	for _, r := range responses {
		if r == nil || r.Response == nil {
			return disagreement("proposal response is missing")
		}
		if r.Response.Status != successStatus {
			return disagreement("proposal response was not successful, error code %d, msg %s", r.Response.Status, r.Response.Message)
		}
	}
	return nil
}

func checkResponsePayloadValidity(responses []*peer.ProposalResponse) error {
	payloadBytes := responses[0].Payload
	for _, r := range responses[1:] {
		if !bytes.Equal(payloadBytes, r.Payload) {
			return disagreement("ProposalResponsePayloads from Peers do not match")
		}
	}
	return nil
}

func generateChaincodeActionPayload(proposal *peer.Proposal, responses []*peer.ProposalResponse) (*peer.ChaincodeActionPayload, error) {
	ccProposalPayload := &peer.ChaincodeProposalPayload{}
	if err := proto.Unmarshal(proposal.Payload, ccProposalPayload); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling ChaincodeProposalPayload")
	}
	proposalPayloadBytes, err := protoutil.GetBytesProposalPayloadForTx(ccProposalPayload)
	if err != nil {
		return nil, err
	}

	endorsements, err := collectEndorsements(responses)
	if err != nil {
		return nil, err
	}

	return &peer.ChaincodeActionPayload{
		ChaincodeProposalPayload: proposalPayloadBytes,
		Action: &peer.ChaincodeEndorsedAction{
			ProposalResponsePayload: responses[0].Payload,
			Endorsements:            endorsements,
		},
	}, nil
}

func generateTransaction(header *common.Header, ccActionPayload *peer.ChaincodeActionPayload) (*peer.Transaction, error) {
	ccActionPayloadBytes, err := protoutil.GetBytesChaincodeActionPayload(ccActionPayload)
	if err != nil {
		return nil, err
	}

	txAction := &peer.TransactionAction{
		Header:  header.SignatureHeader,
		Payload: ccActionPayloadBytes,
	}
	return &peer.Transaction{Actions: []*peer.TransactionAction{txAction}}, nil
}

func generatePayload(header *common.Header, tx *peer.Transaction) (*common.Payload, error) {
	txBytes, err := protoutil.GetBytesTransaction(tx)
	if err != nil {
		return nil, err
	}

	return &common.Payload{
		Header: header,
		Data:   txBytes,
	}, nil
}

func generateEnvelope(signer Signer, payload *common.Payload) (*common.Envelope, error) {
	payloadBytes, err := protoutil.GetBytesPayload(payload)
	if err != nil {
		return nil, err
	}

	signature, err := signer.Sign(payloadBytes)
	if err != nil {
		return nil, err
	}

	return &common.Envelope{
		Payload:   payloadBytes,
		Signature: signature,
	}, nil
}

// SeekNewest positions a deliver request at the newest block
func SeekNewest() *orderer.SeekPosition {
	return &orderer.SeekPosition{Type: &orderer.SeekPosition_Newest{Newest: &orderer.SeekNewest{}}}
}

// SeekSpecified positions a deliver request at block number
func SeekSpecified(number uint64) *orderer.SeekPosition {
	return &orderer.SeekPosition{Type: &orderer.SeekPosition_Specified{Specified: &orderer.SeekSpecified{Number: number}}}
}

// SeekForever is the stop position of a deliver stream that never ends
func SeekForever() *orderer.SeekPosition {
	return SeekSpecified(math.MaxUint64)
}

// NewDeliverEnvelope creates a signed deliver request for the blocks between start and stop
func NewDeliverEnvelope(signer Signer, channel string, start, stop *orderer.SeekPosition) (*common.Envelope, error) {
	seekInfo := &orderer.SeekInfo{
		Start:    start,
		Stop:     stop,
		Behavior: orderer.SeekInfo_BLOCK_UNTIL_READY,
	}

	return protoutil.CreateSignedEnvelope(
		common.HeaderType_DELIVER_SEEK_INFO,
		channel,
		signer,
		seekInfo,
		0,
		0,
	)
}

// logRWSet prints the read set and write set simulated by the first endorser
func logRWSet(logger log.FieldLogger, responses []*peer.ProposalResponse) {
	if len(responses) == 0 || responses[0] == nil {
		return
	}

	proposalResponsePayload, err := protoutil.UnmarshalProposalResponsePayload(responses[0].Payload)
	if err != nil {
		logger.Errorf("Fail to unmarshal ProposalResponsePayload: %v", err)
		return
	}

	ccAction, err := protoutil.UnmarshalChaincodeAction(proposalResponsePayload.Extension)
	if err != nil {
		logger.Errorf("Fail to unmarshal ChaincodeAction: %v", err)
		return
	}

	txRWSet := &rwsetutil.TxRwSet{}
	if err = txRWSet.FromProtoBytes(ccAction.Results); err != nil {
		logger.Errorf("Fail to deserializes protobytes into TxReadWriteSet proto message: %v", err)
		return
	}

	for _, rwset := range txRWSet.NsRwSets {
		entry := logger.WithField("namespace", rwset.NameSpace)
		for _, rset := range rwset.KvRwSet.Reads {
			entry.Infof("read %s", rset.String())
		}
		for _, wset := range rwset.KvRwSet.Writes {
			entry.Infof("write %s", wset.String())
		}
	}
}
