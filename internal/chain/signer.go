package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/and161185/airchainpay/internal/model"
)

var transferSelector = ethcrypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// SignedTx is a raw signed transaction ready for broadcast.
type SignedTx struct {
	Raw  string // 0x-prefixed RLP
	Hash string
	From string
}

// Signer signs payments with a local key.
type Signer struct {
	key  *ecdsa.PrivateKey
	from common.Address
}

// NewSigner parses a hex private key.
func NewSigner(hexKey string) (*Signer, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("signer key: %w", err)
	}
	return &Signer{key: key, from: ethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the checksummed signer address.
func (s *Signer) Address() string { return s.from.Hex() }

// Sign builds and signs a legacy transaction for req with the given nonce.
func (s *Signer) Sign(c Chain, req model.PaymentRequest, nonce uint64) (*SignedTx, error) {
	tok, err := c.ResolveToken(req.Token)
	if err != nil {
		return nil, err
	}
	amount, err := ToBaseUnits(req.Amount, tok.Decimals)
	if err != nil {
		return nil, err
	}
	to := common.HexToAddress(req.To)
	gasPrice := c.GasPrice
	if gasPrice == nil {
		gasPrice = big.NewInt(0)
	}

	var inner *gethtypes.LegacyTx
	if tok.IsNative {
		inner = &gethtypes.LegacyTx{Nonce: nonce, To: &to, Value: amount, Gas: c.GasLimit, GasPrice: gasPrice}
	} else {
		contract := common.HexToAddress(tok.Address)
		inner = &gethtypes.LegacyTx{
			Nonce:    nonce,
			To:       &contract,
			Value:    big.NewInt(0),
			Gas:      c.TokenGasLimit,
			GasPrice: gasPrice,
			Data:     TransferData(to, amount),
		}
	}

	signed, err := gethtypes.SignTx(gethtypes.NewTx(inner), gethtypes.LatestSignerForChainID(big.NewInt(c.ID)), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &SignedTx{Raw: hexutil.Encode(raw), Hash: signed.Hash().Hex(), From: s.from.Hex()}, nil
}

// TransferData encodes an ERC-20 transfer(address,uint256) call.
func TransferData(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// DecodeSigned parses a raw transaction and recovers its sender.
func DecodeSigned(raw string) (*gethtypes.Transaction, common.Address, error) {
	b, err := hexutil.Decode(raw)
	if err != nil {
		return nil, common.Address{}, err
	}
	tx := new(gethtypes.Transaction)
	if err := tx.UnmarshalBinary(b); err != nil {
		return nil, common.Address{}, err
	}
	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, common.Address{}, err
	}
	return tx, from, nil
}
