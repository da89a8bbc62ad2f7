package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// TxSigner signs EVM transactions for one account on one chain.
type TxSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	signer     types.Signer
}

// NewTxSigner creates a TxSigner from a hex-encoded secp256k1 private key.
func NewTxSigner(privateKeyHex string, chainID int64) (*TxSigner, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	if chainID <= 0 {
		return nil, fmt.Errorf("crypto/signer: chain id must be positive, got %d", chainID)
	}
	id := big.NewInt(chainID)
	return &TxSigner{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    id,
		signer:     types.LatestSignerForChainID(id),
	}, nil
}

// NewTxSignerFromConfig resolves the key through LoadKey first.
func NewTxSignerFromConfig(cfg KeyConfig, chainID int64) (*TxSigner, error) {
	key, err := LoadKey(cfg)
	if err != nil {
		return nil, err
	}
	return NewTxSigner(key, chainID)
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *TxSigner) Address() common.Address {
	return s.address
}

// ChainID returns the chain the signer is bound to.
func (s *TxSigner) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// SignTx signs tx for the bound chain.
func (s *TxSigner) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: sign tx: %w", err)
	}
	return signed, nil
}

// Sender recovers the sender of a signed transaction.
func (s *TxSigner) Sender(tx *types.Transaction) (common.Address, error) {
	return types.Sender(s.signer, tx)
}

// String never prints key material.
func (s *TxSigner) String() string {
	return fmt.Sprintf("TxSigner{address=%s, chain=%s}", s.address.Hex(), s.chainID)
}
