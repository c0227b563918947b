package core

import (
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// balanceCheckerABIJSON is the batch balance reader deployed alongside the
// custody contract. balances returns a row-major users x tokens matrix; the
// zero token address reads the native balance.
const balanceCheckerABIJSON = `[{"type":"function","name":"balances","stateMutability":"view","inputs":[{"name":"users","type":"address[]"},{"name":"tokens","type":"address[]"}],"outputs":[{"name":"","type":"uint256[]"}]}]`

var (
	balanceCheckerABIOnce sync.Once
	balanceCheckerABIVal  abi.ABI
	balanceCheckerABIErr  error
)

// BalanceChecker binds a deployed batch balance reader.
type BalanceChecker struct {
	contract *bind.BoundContract
}

// NewBalanceChecker binds the balance checker at address.
func NewBalanceChecker(address common.Address, backend bind.ContractBackend) (*BalanceChecker, error) {
	balanceCheckerABIOnce.Do(func() {
		balanceCheckerABIVal, balanceCheckerABIErr = abi.JSON(strings.NewReader(balanceCheckerABIJSON))
	})
	if balanceCheckerABIErr != nil {
		return nil, balanceCheckerABIErr
	}
	return &BalanceChecker{
		contract: bind.NewBoundContract(address, balanceCheckerABIVal, backend, backend, backend),
	}, nil
}

// Balances returns the users x tokens balance matrix in row-major order.
func (b *BalanceChecker) Balances(opts *bind.CallOpts, users []common.Address, tokens []common.Address) ([]*big.Int, error) {
	var out []interface{}
	if err := b.contract.Call(opts, &out, "balances", users, tokens); err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]*big.Int)).(*[]*big.Int), nil
}
