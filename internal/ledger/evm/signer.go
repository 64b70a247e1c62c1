package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/hyperledger/firefly-signer/pkg/ethsigner"
	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
	"github.com/hyperledger/firefly-signer/pkg/secp256k1"
	"golang.org/x/crypto/sha3"

	"pkt.systems/stride/internal/ledger"
)

// KeyPair parses a hex secp256k1 private key.
func KeyPair(privateKey string) (*secp256k1.KeyPair, error) {
	raw, err := ethtypes.NewHexBytes0xPrefix(strings.TrimSpace(privateKey))
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	return secp256k1.NewSecp256k1KeyPair(raw)
}

// sendSigned builds a legacy EIP-155 transaction, signs it with the sender
// key and submits it with eth_sendRawTransaction.
func (g *Gateway) sendSigned(ctx context.Context, sender ledger.Sender, data []byte, value *big.Int) (ethtypes.HexBytes0xPrefix, error) {
	kp, err := KeyPair(sender.PrivateKey)
	if err != nil {
		return nil, err
	}
	if sender.Address != "" && !ledger.SameAddress(sender.Address, kp.Address.String()) {
		return nil, fmt.Errorf("sender address %s does not match key address %s", sender.Address, kp.Address.String())
	}
	chainID, err := g.chain(ctx)
	if err != nil {
		return nil, err
	}
	var nonce ethtypes.HexInteger
	if err := g.call(ctx, &nonce, "eth_getTransactionCount", kp.Address.String(), "pending"); err != nil {
		return nil, err
	}
	var gasPrice ethtypes.HexInteger
	if err := g.call(ctx, &gasPrice, "eth_gasPrice"); err != nil {
		return nil, err
	}
	tx := &ethsigner.Transaction{
		From:     json.RawMessage(fmt.Sprintf("%q", kp.Address.String())),
		To:       g.contract,
		Nonce:    &nonce,
		GasPrice: &gasPrice,
		GasLimit: ethtypes.NewHexInteger(new(big.Int).SetUint64(g.cfg.GasLimit)),
		Value:    ethtypes.NewHexInteger(value),
		Data:     ethtypes.HexBytes0xPrefix(data),
	}
	sigPayload := tx.SignaturePayloadLegacyEIP155(chainID)
	hash := sha3.NewLegacyKeccak256()
	_, _ = hash.Write(sigPayload.Bytes())
	sig, err := kp.SignDirect(hash.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	raw, err := tx.FinalizeLegacyEIP155WithSignature(sigPayload, sig, chainID)
	if err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}
	var txHash ethtypes.HexBytes0xPrefix
	if err := g.call(ctx, &txHash, "eth_sendRawTransaction", ethtypes.HexBytes0xPrefix(raw)); err != nil {
		return nil, err
	}
	return txHash, nil
}
