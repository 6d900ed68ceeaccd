package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	factoryABI abi.ABI
	marketABI  abi.ABI
)

func init() {
	var err error

	factoryABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "getMarket",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "entityId", "type": "string"}],
			"outputs": [{"name": "", "type": "address"}]
		},
		{
			"name": "deployMarket",
			"type": "function",
			"stateMutability": "nonpayable",
			"inputs": [
				{"name": "entityId", "type": "string"},
				{"name": "expiresIn", "type": "uint256"}
			],
			"outputs": [{"name": "", "type": "address"}]
		},
		{
			"name": "MarketDeployed",
			"type": "event",
			"anonymous": false,
			"inputs": [
				{"name": "market", "type": "address", "indexed": true},
				{"name": "entityId", "type": "string", "indexed": false}
			]
		}
	]`))
	if err != nil {
		panic("factory abi parse: " + err.Error())
	}

	marketABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "getOpenPositions",
			"type": "function",
			"stateMutability": "view",
			"inputs": [],
			"outputs": [{"name": "", "type": "uint256[]"}]
		},
		{
			"name": "closePosition",
			"type": "function",
			"stateMutability": "nonpayable",
			"inputs": [{"name": "tokenId", "type": "uint256"}],
			"outputs": []
		},
		{
			"name": "resetMarket",
			"type": "function",
			"stateMutability": "nonpayable",
			"inputs": [{"name": "mindshareScores", "type": "uint256[]"}],
			"outputs": []
		}
	]`))
	if err != nil {
		panic("market abi parse: " + err.Error())
	}
}
