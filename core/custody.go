package core

import (
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Reduced custody contract ABI covering the channel lifecycle, the account
// vault and the read surface. Tuple components mirror Channel, Allocation
// and State.
const (
	allocationComponents = `[{"name":"destination","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]`

	stateComponents = `[{"name":"intent","type":"uint8"},{"name":"version","type":"uint256"},{"name":"data","type":"bytes"},` +
		`{"name":"allocations","type":"tuple[]","components":` + allocationComponents + `},{"name":"sigs","type":"bytes[]"}]`

	channelComponents = `[{"name":"participants","type":"address[]"},{"name":"adjudicator","type":"address"},` +
		`{"name":"challenge","type":"uint64"},{"name":"nonce","type":"uint64"}]`

	custodyABIJSON = `[` +
		`{"type":"function","name":"challenge","stateMutability":"nonpayable","inputs":[{"name":"channelId","type":"bytes32"},{"name":"candidate","type":"tuple","components":` + stateComponents + `},{"name":"proofs","type":"tuple[]","components":` + stateComponents + `},{"name":"challengerSig","type":"bytes"}],"outputs":[]},` +
		`{"type":"function","name":"checkpoint","stateMutability":"nonpayable","inputs":[{"name":"channelId","type":"bytes32"},{"name":"candidate","type":"tuple","components":` + stateComponents + `},{"name":"proofs","type":"tuple[]","components":` + stateComponents + `}],"outputs":[]},` +
		`{"type":"function","name":"close","stateMutability":"nonpayable","inputs":[{"name":"channelId","type":"bytes32"},{"name":"candidate","type":"tuple","components":` + stateComponents + `},{"name":"proofs","type":"tuple[]","components":` + stateComponents + `}],"outputs":[]},` +
		`{"type":"function","name":"create","stateMutability":"nonpayable","inputs":[{"name":"ch","type":"tuple","components":` + channelComponents + `},{"name":"initial","type":"tuple","components":` + stateComponents + `}],"outputs":[{"name":"channelId","type":"bytes32"}]},` +
		`{"type":"function","name":"deposit","stateMutability":"payable","inputs":[{"name":"account","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},` +
		`{"type":"function","name":"depositAndCreate","stateMutability":"payable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"ch","type":"tuple","components":` + channelComponents + `},{"name":"initial","type":"tuple","components":` + stateComponents + `}],"outputs":[{"name":"","type":"bytes32"}]},` +
		`{"type":"function","name":"join","stateMutability":"nonpayable","inputs":[{"name":"channelId","type":"bytes32"},{"name":"index","type":"uint256"},{"name":"sig","type":"bytes"}],"outputs":[{"name":"","type":"bytes32"}]},` +
		`{"type":"function","name":"resize","stateMutability":"nonpayable","inputs":[{"name":"channelId","type":"bytes32"},{"name":"candidate","type":"tuple","components":` + stateComponents + `},{"name":"proofs","type":"tuple[]","components":` + stateComponents + `}],"outputs":[]},` +
		`{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},` +
		`{"type":"function","name":"getAccountsBalances","stateMutability":"view","inputs":[{"name":"accounts","type":"address[]"},{"name":"tokens","type":"address[]"}],"outputs":[{"name":"","type":"uint256[][]"}]},` +
		`{"type":"function","name":"getChannelBalances","stateMutability":"view","inputs":[{"name":"channelId","type":"bytes32"},{"name":"tokens","type":"address[]"}],"outputs":[{"name":"balances","type":"uint256[]"}]},` +
		`{"type":"function","name":"getChannelData","stateMutability":"view","inputs":[{"name":"channelId","type":"bytes32"}],"outputs":[{"name":"channel","type":"tuple","components":` + channelComponents + `},{"name":"status","type":"uint8"},{"name":"wallets","type":"address[]"},{"name":"challengeExpiry","type":"uint256"},{"name":"lastValidState","type":"tuple","components":` + stateComponents + `}]},` +
		`{"type":"function","name":"getOpenChannels","stateMutability":"view","inputs":[{"name":"accounts","type":"address[]"}],"outputs":[{"name":"","type":"bytes32[][]"}]},` +
		`{"type":"function","name":"eip712Domain","stateMutability":"view","inputs":[],"outputs":[{"name":"fields","type":"bytes1"},{"name":"name","type":"string"},{"name":"version","type":"string"},{"name":"chainId","type":"uint256"},{"name":"verifyingContract","type":"address"},{"name":"salt","type":"bytes32"},{"name":"extensions","type":"uint256[]"}]},` +
		`{"type":"event","name":"Created","anonymous":false,"inputs":[{"name":"channelId","type":"bytes32","indexed":true},{"name":"wallet","type":"address","indexed":true},{"name":"channel","type":"tuple","components":` + channelComponents + `},{"name":"initial","type":"tuple","components":` + stateComponents + `}]},` +
		`{"type":"event","name":"Joined","anonymous":false,"inputs":[{"name":"channelId","type":"bytes32","indexed":true},{"name":"index","type":"uint256"}]},` +
		`{"type":"event","name":"Opened","anonymous":false,"inputs":[{"name":"channelId","type":"bytes32","indexed":true}]},` +
		`{"type":"event","name":"Challenged","anonymous":false,"inputs":[{"name":"channelId","type":"bytes32","indexed":true},{"name":"state","type":"tuple","components":` + stateComponents + `},{"name":"expiration","type":"uint256"}]},` +
		`{"type":"event","name":"Checkpointed","anonymous":false,"inputs":[{"name":"channelId","type":"bytes32","indexed":true},{"name":"state","type":"tuple","components":` + stateComponents + `}]},` +
		`{"type":"event","name":"Resized","anonymous":false,"inputs":[{"name":"channelId","type":"bytes32","indexed":true},{"name":"deltaAllocations","type":"int256[]"}]},` +
		`{"type":"event","name":"Closed","anonymous":false,"inputs":[{"name":"channelId","type":"bytes32","indexed":true},{"name":"finalState","type":"tuple","components":` + stateComponents + `}]},` +
		`{"type":"event","name":"Deposited","anonymous":false,"inputs":[{"name":"wallet","type":"address","indexed":true},{"name":"token","type":"address","indexed":true},{"name":"amount","type":"uint256"}]},` +
		`{"type":"event","name":"Withdrawn","anonymous":false,"inputs":[{"name":"wallet","type":"address","indexed":true},{"name":"token","type":"address","indexed":true},{"name":"amount","type":"uint256"}]}` +
		`]`
)

var (
	custodyABIOnce sync.Once
	custodyABIVal  abi.ABI
	custodyABIErr  error
)

// CustodyABI returns the parsed custody contract ABI, used to build log
// filter topics and decode events.
func CustodyABI() (*abi.ABI, error) {
	custodyABIOnce.Do(func() {
		custodyABIVal, custodyABIErr = abi.JSON(strings.NewReader(custodyABIJSON))
	})
	if custodyABIErr != nil {
		return nil, custodyABIErr
	}
	return &custodyABIVal, nil
}

// Custody binds one deployed custody contract.
type Custody struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewCustody binds the custody contract at address on the given backend.
func NewCustody(address common.Address, backend bind.ContractBackend) (*Custody, error) {
	parsed, err := CustodyABI()
	if err != nil {
		return nil, err
	}
	return &Custody{
		address:  address,
		contract: bind.NewBoundContract(address, *parsed, backend, backend, backend),
	}, nil
}

// Address returns the bound contract address.
func (c *Custody) Address() common.Address {
	return c.address
}

// Create opens a channel with its funding state signed by participant 0.
func (c *Custody) Create(opts *bind.TransactOpts, ch Channel, initial State) (*types.Transaction, error) {
	return c.contract.Transact(opts, "create", ch, initial)
}

// Join adds participant index to a created channel.
func (c *Custody) Join(opts *bind.TransactOpts, channelId [32]byte, index *big.Int, sig []byte) (*types.Transaction, error) {
	return c.contract.Transact(opts, "join", channelId, index, sig)
}

// Checkpoint pins a candidate state without closing the channel.
func (c *Custody) Checkpoint(opts *bind.TransactOpts, channelId [32]byte, candidate State, proofs []State) (*types.Transaction, error) {
	return c.contract.Transact(opts, "checkpoint", channelId, candidate, proofs)
}

// Challenge posts a candidate state unilaterally, opening a dispute window.
func (c *Custody) Challenge(opts *bind.TransactOpts, channelId [32]byte, candidate State, proofs []State, challengerSig []byte) (*types.Transaction, error) {
	return c.contract.Transact(opts, "challenge", channelId, candidate, proofs, challengerSig)
}

// Close finalizes a channel and releases its escrow.
func (c *Custody) Close(opts *bind.TransactOpts, channelId [32]byte, candidate State, proofs []State) (*types.Transaction, error) {
	return c.contract.Transact(opts, "close", channelId, candidate, proofs)
}

// Resize adjusts the channel escrow per the candidate resize state.
func (c *Custody) Resize(opts *bind.TransactOpts, channelId [32]byte, candidate State, proofs []State) (*types.Transaction, error) {
	return c.contract.Transact(opts, "resize", channelId, candidate, proofs)
}

// Deposit credits the account vault.
func (c *Custody) Deposit(opts *bind.TransactOpts, account common.Address, token common.Address, amount *big.Int) (*types.Transaction, error) {
	return c.contract.Transact(opts, "deposit", account, token, amount)
}

// DepositAndCreate funds the vault and opens a channel in one transaction.
func (c *Custody) DepositAndCreate(opts *bind.TransactOpts, token common.Address, amount *big.Int, ch Channel, initial State) (*types.Transaction, error) {
	return c.contract.Transact(opts, "depositAndCreate", token, amount, ch, initial)
}

// Withdraw debits the caller's vault balance.
func (c *Custody) Withdraw(opts *bind.TransactOpts, token common.Address, amount *big.Int) (*types.Transaction, error) {
	return c.contract.Transact(opts, "withdraw", token, amount)
}

// GetAccountsBalances returns vault balances per account and token.
func (c *Custody) GetAccountsBalances(opts *bind.CallOpts, accounts []common.Address, tokens []common.Address) ([][]*big.Int, error) {
	var out []interface{}
	if err := c.contract.Call(opts, &out, "getAccountsBalances", accounts, tokens); err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([][]*big.Int)).(*[][]*big.Int), nil
}

// GetChannelBalances returns channel escrow balances per token.
func (c *Custody) GetChannelBalances(opts *bind.CallOpts, channelId [32]byte, tokens []common.Address) ([]*big.Int, error) {
	var out []interface{}
	if err := c.contract.Call(opts, &out, "getChannelBalances", channelId, tokens); err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]*big.Int)).(*[]*big.Int), nil
}

// ChannelData is the on-chain channel record.
type ChannelData struct {
	Channel         Channel
	Status          uint8
	Wallets         []common.Address
	ChallengeExpiry *big.Int
	LastValidState  State
}

// GetChannelData returns the full on-chain record of a channel.
func (c *Custody) GetChannelData(opts *bind.CallOpts, channelId [32]byte) (ChannelData, error) {
	var out []interface{}
	if err := c.contract.Call(opts, &out, "getChannelData", channelId); err != nil {
		return ChannelData{}, err
	}
	return ChannelData{
		Channel:         *abi.ConvertType(out[0], new(Channel)).(*Channel),
		Status:          *abi.ConvertType(out[1], new(uint8)).(*uint8),
		Wallets:         *abi.ConvertType(out[2], new([]common.Address)).(*[]common.Address),
		ChallengeExpiry: *abi.ConvertType(out[3], new(*big.Int)).(**big.Int),
		LastValidState:  *abi.ConvertType(out[4], new(State)).(*State),
	}, nil
}

// GetOpenChannels returns the open channel IDs per account.
func (c *Custody) GetOpenChannels(opts *bind.CallOpts, accounts []common.Address) ([][][32]byte, error) {
	var out []interface{}
	if err := c.contract.Call(opts, &out, "getOpenChannels", accounts); err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([][][32]byte)).(*[][][32]byte), nil
}

// EIP712Domain is the contract's typed-data domain, consumed by signature
// verification.
type EIP712Domain struct {
	Fields            [1]byte
	Name              string
	Version           string
	ChainId           *big.Int
	VerifyingContract common.Address
	Salt              [32]byte
	Extensions        []*big.Int
}

// Eip712Domain returns the contract's EIP-712 domain descriptor.
func (c *Custody) Eip712Domain(opts *bind.CallOpts) (EIP712Domain, error) {
	var out []interface{}
	if err := c.contract.Call(opts, &out, "eip712Domain"); err != nil {
		return EIP712Domain{}, err
	}
	return EIP712Domain{
		Fields:            *abi.ConvertType(out[0], new([1]byte)).(*[1]byte),
		Name:              *abi.ConvertType(out[1], new(string)).(*string),
		Version:           *abi.ConvertType(out[2], new(string)).(*string),
		ChainId:           *abi.ConvertType(out[3], new(*big.Int)).(**big.Int),
		VerifyingContract: *abi.ConvertType(out[4], new(common.Address)).(*common.Address),
		Salt:              *abi.ConvertType(out[5], new([32]byte)).(*[32]byte),
		Extensions:        *abi.ConvertType(out[6], new([]*big.Int)).(*[]*big.Int),
	}, nil
}

// CustodyCreated is emitted when a channel is created.
type CustodyCreated struct {
	ChannelId [32]byte
	Wallet    common.Address
	Channel   Channel
	Initial   State
	Raw       types.Log
}

// CustodyJoined is emitted when a participant joins a created channel.
type CustodyJoined struct {
	ChannelId [32]byte
	Index     *big.Int
	Raw       types.Log
}

// CustodyOpened is emitted when all participants have joined.
type CustodyOpened struct {
	ChannelId [32]byte
	Raw       types.Log
}

// CustodyChallenged is emitted when a challenge opens a dispute window.
type CustodyChallenged struct {
	ChannelId  [32]byte
	State      State
	Expiration *big.Int
	Raw        types.Log
}

// CustodyCheckpointed is emitted when a state is pinned on-chain.
type CustodyCheckpointed struct {
	ChannelId [32]byte
	State     State
	Raw       types.Log
}

// CustodyResized is emitted when the channel escrow is adjusted.
type CustodyResized struct {
	ChannelId        [32]byte
	DeltaAllocations []*big.Int
	Raw              types.Log
}

// CustodyClosed is emitted when a channel settles.
type CustodyClosed struct {
	ChannelId  [32]byte
	FinalState State
	Raw        types.Log
}

// CustodyDeposited is emitted when the vault is credited.
type CustodyDeposited struct {
	Wallet common.Address
	Token  common.Address
	Amount *big.Int
	Raw    types.Log
}

// CustodyWithdrawn is emitted when the vault is debited.
type CustodyWithdrawn struct {
	Wallet common.Address
	Token  common.Address
	Amount *big.Int
	Raw    types.Log
}

// ParseCreated decodes a Created log.
func (c *Custody) ParseCreated(log types.Log) (*CustodyCreated, error) {
	event := new(CustodyCreated)
	if err := c.contract.UnpackLog(event, "Created", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}

// ParseJoined decodes a Joined log.
func (c *Custody) ParseJoined(log types.Log) (*CustodyJoined, error) {
	event := new(CustodyJoined)
	if err := c.contract.UnpackLog(event, "Joined", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}

// ParseOpened decodes an Opened log.
func (c *Custody) ParseOpened(log types.Log) (*CustodyOpened, error) {
	event := new(CustodyOpened)
	if err := c.contract.UnpackLog(event, "Opened", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}

// ParseChallenged decodes a Challenged log.
func (c *Custody) ParseChallenged(log types.Log) (*CustodyChallenged, error) {
	event := new(CustodyChallenged)
	if err := c.contract.UnpackLog(event, "Challenged", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}

// ParseCheckpointed decodes a Checkpointed log.
func (c *Custody) ParseCheckpointed(log types.Log) (*CustodyCheckpointed, error) {
	event := new(CustodyCheckpointed)
	if err := c.contract.UnpackLog(event, "Checkpointed", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}

// ParseResized decodes a Resized log.
func (c *Custody) ParseResized(log types.Log) (*CustodyResized, error) {
	event := new(CustodyResized)
	if err := c.contract.UnpackLog(event, "Resized", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}

// ParseClosed decodes a Closed log.
func (c *Custody) ParseClosed(log types.Log) (*CustodyClosed, error) {
	event := new(CustodyClosed)
	if err := c.contract.UnpackLog(event, "Closed", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}

// ParseDeposited decodes a Deposited log.
func (c *Custody) ParseDeposited(log types.Log) (*CustodyDeposited, error) {
	event := new(CustodyDeposited)
	if err := c.contract.UnpackLog(event, "Deposited", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}

// ParseWithdrawn decodes a Withdrawn log.
func (c *Custody) ParseWithdrawn(log types.Log) (*CustodyWithdrawn, error) {
	event := new(CustodyWithdrawn)
	if err := c.contract.UnpackLog(event, "Withdrawn", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}
