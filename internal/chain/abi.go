package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// USDC-style token: ERC-20 balance plus EIP-3009 transferWithAuthorization.
const tokenABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],"name":"authorizationState","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[
		{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},
		{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},
		{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}
	],"name":"transferWithAuthorization","outputs":[],"type":"function"}
]`

// Identity registry: ERC-721 ownerOf and Transfer.
const identityABIJSON = `[
	{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":true,"name":"tokenId","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// Reputation registry: number of feedback entries a client has left for an agent.
const reputationABIJSON = `[
	{"constant":true,"inputs":[{"name":"agentId","type":"uint256"},{"name":"clientAddress","type":"address"}],"name":"getLastIndex","outputs":[{"name":"","type":"uint64"}],"type":"function"}
]`

const multicall3ABIJSON = `[
	{"inputs":[{"components":[{"name":"target","type":"address"},{"name":"allowFailure","type":"bool"},{"name":"callData","type":"bytes"}],"name":"calls","type":"tuple[]"}],
	 "name":"aggregate3",
	 "outputs":[{"components":[{"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}],"name":"returnData","type":"tuple[]"}],
	 "stateMutability":"payable","type":"function"}
]`

var (
	TokenABI      = mustParse(tokenABIJSON)
	IdentityABI   = mustParse(identityABIJSON)
	ReputationABI = mustParse(reputationABIJSON)
	Multicall3ABI = mustParse(multicall3ABIJSON)

	// TransferTopic is keccak256("Transfer(address,address,uint256)"), shared by ERC-20 and ERC-721.
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// Call3 is one Multicall3 aggregate3 input.
type Call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Call3Result is one Multicall3 aggregate3 output.
type Call3Result struct {
	Success    bool
	ReturnData []byte
}

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("chain: invalid ABI: " + err.Error())
	}
	return parsed
}
