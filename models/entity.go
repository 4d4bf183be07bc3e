package models

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// EntityType is the role an address plays in a user operation.
type EntityType uint8

const (
	EntityAccount EntityType = iota
	EntityPaymaster
	EntityFactory
	EntityAggregator
)

func (t EntityType) String() string {
	switch t {
	case EntityAccount:
		return "account"
	case EntityPaymaster:
		return "paymaster"
	case EntityFactory:
		return "factory"
	case EntityAggregator:
		return "aggregator"
	default:
		return fmt.Sprintf("entity(%d)", uint8(t))
	}
}

// Entity is an address acting in a specific role.
type Entity struct {
	Type    EntityType
	Address common.Address
}

func (e Entity) String() string {
	return fmt.Sprintf("%s:%s", e.Type, e.Address.Hex())
}

