package infra

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"os"

	"github.com/gogo/protobuf/proto"
	"github.com/osdi23p228/fabric-protos-go/msp"
	"github.com/pkg/errors"
)

type CryptoConfig struct {
	MSPID    string
	PrivKey  string
	SignCert string
}

type ECDSASignature struct {
	R, S *big.Int
}

// Crypto is the client identity: an MSP member that signs with its ECDSA key
type Crypto struct {
	Creator  []byte
	PrivKey  *ecdsa.PrivateKey
	SignCert *x509.Certificate
}

// ToCrypto loads the key and certificate files and serializes the identity
func (cc CryptoConfig) ToCrypto() (*Crypto, error) {
	privateKey, err := GetPrivateKey(cc.PrivKey)
	if err != nil {
		return nil, errors.WithMessage(err, "fail to load private key")
	}

	cert, certBytes, err := GetCertificate(cc.SignCert)
	if err != nil {
		return nil, errors.WithMessage(err, "fail to load certificate")
	}

	return NewCrypto(cc.MSPID, privateKey, cert, certBytes)
}

func NewCrypto(mspID string, privateKey *ecdsa.PrivateKey, cert *x509.Certificate, certBytes []byte) (*Crypto, error) {
	id := &msp.SerializedIdentity{
		Mspid:   mspID,
		IdBytes: certBytes,
	}
	name, err := proto.Marshal(id)
	if err != nil {
		return nil, errors.Wrap(err, "fail to serialize identity")
	}

	return &Crypto{
		Creator:  name,
		PrivKey:  privateKey,
		SignCert: cert,
	}, nil
}

func (s *Crypto) Sign(message []byte) ([]byte, error) {
	ri, si, err := ecdsa.Sign(rand.Reader, s.PrivKey, digest(message))
	if err != nil {
		return nil, err
	}

	si, _, err = toLowS(s.PrivKey.PublicKey, si)
	if err != nil {
		return nil, err
	}

	return asn1.Marshal(ECDSASignature{ri, si})
}

func (s *Crypto) Serialize() ([]byte, error) {
	return s.Creator, nil
}

// toLowS keeps S in the lower half of the curve order, peers reject high-S signatures
func toLowS(key ecdsa.PublicKey, sig *big.Int) (*big.Int, bool, error) {
	curveOrderUsedByCryptoGen := key.Curve.Params().N
	halfOrder := new(big.Int).Rsh(curveOrderUsedByCryptoGen, 1)
	// check if s is greater than half of the order of curve
	if sig.Cmp(halfOrder) == 1 {
		// Set s to N - s so that s will be less than or equal to half of the order
		sig.Sub(curveOrderUsedByCryptoGen, sig)
		return sig, true, nil
	}
	return sig, false, nil
}

func digest(in []byte) []byte {
	h := sha256.New()
	h.Write(in)
	return h.Sum(nil)
}

// GetPrivateKey reads a PEM encoded ECDSA key, in PKCS#8 as written by cryptogen or in SEC 1
func GetPrivateKey(f string) (*ecdsa.PrivateKey, error) {
	in, err := os.ReadFile(f)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to read %s", f)
	}

	block, _ := pem.Decode(in)
	if block == nil {
		return nil, errors.Errorf("no PEM data found in %s", f)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		ecdsaKey, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.Errorf("key in %s is not an ECDSA key", f)
		}
		return ecdsaKey, nil
	}

	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to parse private key %s", f)
	}
	return key, nil
}

// GetCertificate returns the parsed certificate and its PEM bytes
func GetCertificate(f string) (*x509.Certificate, []byte, error) {
	in, err := os.ReadFile(f)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "fail to read %s", f)
	}

	block, _ := pem.Decode(in)
	if block == nil {
		return nil, nil, errors.Errorf("no PEM data found in %s", f)
	}

	c, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "fail to parse certificate %s", f)
	}
	return c, in, nil
}
