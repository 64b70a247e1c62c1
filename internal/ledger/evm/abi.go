package evm

import (
	"encoding/json"
	"fmt"

	"github.com/hyperledger/firefly-signer/pkg/abi"
)

// Kind selects the contract surface.
type Kind int

// Contract surfaces.
const (
	Source Kind = iota
	Destination
)

const swapsTuple = `"outputs":[
	{"name":"depositor","type":"address"},
	{"name":"beneficiary","type":"address"},
	{"name":"amount","type":"uint256"},
	{"name":"secretHash","type":"bytes32"},
	{"name":"secret","type":"bytes32"},
	{"name":"timeout","type":"uint256"},
	{"name":"depositHeight","type":"uint256"},
	{"name":"status","type":"uint8"}]`

const lockFields = `
	{"name":"txnId","type":"bytes32","indexed":true},
	{"name":"depositor","type":"address","indexed":false},
	{"name":"beneficiary","type":"address","indexed":false},
	{"name":"amount","type":"uint256","indexed":false},
	{"name":"secretHash","type":"bytes32","indexed":false},
	{"name":"timeout","type":"uint256","indexed":false}`

const sourceABIJSON = `[
{"type":"function","name":"deposit","stateMutability":"payable","inputs":[
	{"name":"txnId","type":"bytes32"},{"name":"secretHash","type":"bytes32"},{"name":"timeout","type":"uint256"}],"outputs":[]},
{"type":"function","name":"acknowledge","stateMutability":"nonpayable","inputs":[
	{"name":"txnId","type":"bytes32"},{"name":"secret","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"noCustodianActionChallenge","stateMutability":"nonpayable","inputs":[
	{"name":"txnId","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"swaps","stateMutability":"view","inputs":[{"name":"txnId","type":"bytes32"}],` + swapsTuple + `},
{"type":"event","name":"UserDeposited","inputs":[` + lockFields + `]},
{"type":"event","name":"Acknowledged","inputs":[
	{"name":"txnId","type":"bytes32","indexed":true},{"name":"secret","type":"bytes32","indexed":false}]},
{"type":"event","name":"UserRefunded","inputs":[
	{"name":"txnId","type":"bytes32","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

const destinationABIJSON = `[
{"type":"function","name":"deposit","stateMutability":"payable","inputs":[
	{"name":"txnId","type":"bytes32"},{"name":"user","type":"address"},{"name":"secretHash","type":"bytes32"},{"name":"timeout","type":"uint256"}],"outputs":[]},
{"type":"function","name":"issue","stateMutability":"nonpayable","inputs":[
	{"name":"txnId","type":"bytes32"},{"name":"secret","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"noUserActionChallenge","stateMutability":"nonpayable","inputs":[
	{"name":"txnId","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"swaps","stateMutability":"view","inputs":[{"name":"txnId","type":"bytes32"}],` + swapsTuple + `},
{"type":"event","name":"CustodianDeposited","inputs":[` + lockFields + `]},
{"type":"event","name":"Issued","inputs":[
	{"name":"txnId","type":"bytes32","indexed":true},{"name":"secret","type":"bytes32","indexed":false}]},
{"type":"event","name":"CustodianRefunded","inputs":[
	{"name":"txnId","type":"bytes32","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

// revertError is the ABI of revert("reason").
var revertError = &abi.Entry{
	Type:   abi.Error,
	Name:   "Error",
	Inputs: abi.ParameterArray{{Type: "string"}},
}

// ContractABI returns the ABI of the hash-lock contract for kind.
func ContractABI(kind Kind) (abi.ABI, error) {
	src := sourceABIJSON
	if kind == Destination {
		src = destinationABIJSON
	}
	var a abi.ABI
	if err := json.Unmarshal([]byte(src), &a); err != nil {
		return nil, fmt.Errorf("evm: parse contract abi: %w", err)
	}
	return a, nil
}

func serializer() *abi.Serializer {
	return abi.NewSerializer().
		SetFormattingMode(abi.FormatAsObjects).
		SetIntSerializer(abi.Base10StringIntSerializer).
		SetByteSerializer(abi.HexByteSerializer0xPrefix)
}
