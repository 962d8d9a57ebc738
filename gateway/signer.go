package gateway

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	phantomDomainName    = "Exchange"
	phantomDomainVersion = "1"
	phantomChainID       = 1337
	zeroAddress          = "0x0000000000000000000000000000000000000000"
)

var ErrMissingKey = errors.New("missing private key")

// Signature 交易所要求的 r/s/v 签名格式。
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V byte   `json:"v"`
}

// Signer L1 动作签名：msgpack(action)+nonce 取 keccak 作为 connectionId，
// 再对 phantom agent 做 EIP-712 签名。
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	mainnet bool
}

func NewSigner(privateKeyHex string, mainnet bool) (*Signer, error) {
	privateKeyHex = strings.TrimSpace(privateKeyHex)
	if privateKeyHex == "" {
		return nil, ErrMissingKey
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		mainnet: mainnet,
	}, nil
}

// Address 签名账户地址。
func (s *Signer) Address() string {
	return s.address.Hex()
}

// SignAction 对动作签名；vault 为空表示不通过子账户下单。
func (s *Signer) SignAction(action interface{}, nonce int64, vault string) (Signature, error) {
	hash, err := ActionHash(action, nonce, vault)
	if err != nil {
		return Signature{}, err
	}
	digest, err := PhantomAgentDigest(hash, s.mainnet)
	if err != nil {
		return Signature{}, err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return Signature{}, fmt.Errorf("sign action: %w", err)
	}
	return Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64] + 27,
	}, nil
}

// ActionHash keccak256(msgpack(action) || nonce(8B BE) || vault 标记)。
func ActionHash(action interface{}, nonce int64, vault string) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(action); err != nil {
		return nil, fmt.Errorf("msgpack action: %w", err)
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(nonce))
	buf.Write(n[:])
	if vault == "" {
		buf.WriteByte(0x00)
	} else {
		buf.WriteByte(0x01)
		buf.Write(common.HexToAddress(vault).Bytes())
	}
	return crypto.Keccak256(buf.Bytes()), nil
}

// PhantomAgentDigest 计算 phantom agent 的 EIP-712 摘要。
func PhantomAgentDigest(connectionID []byte, mainnet bool) ([]byte, error) {
	source := "b"
	if mainnet {
		source = "a"
	}
	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              phantomDomainName,
			Version:           phantomDomainVersion,
			ChainId:           ethmath.NewHexOrDecimal256(phantomChainID),
			VerifyingContract: zeroAddress,
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": connectionID,
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}
	return digest, nil
}
