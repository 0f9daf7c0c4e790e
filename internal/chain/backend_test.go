package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var testChainID = big.NewInt(31337)

// revertError mimics the JSON-RPC error a node returns for a reverted call.
type revertError struct{ reason string }

func (e revertError) Error() string  { return "execution reverted: " + e.reason }
func (e revertError) ErrorCode() int { return 3 }

// fakeNode is an in-memory chain holding one ERC-721 collection and native
// balances. Transactions are applied when sent and their receipts become
// visible after pendingPolls lookups.
type fakeNode struct {
	mu sync.Mutex

	collection common.Address
	owners     map[string]common.Address // tokenId -> owner
	approved   map[string]common.Address
	operators  map[common.Address]map[common.Address]bool
	balances   map[common.Address]*big.Int
	rejecting  map[common.Address]bool // contracts that revert on receiving value

	nonces   map[common.Address]uint64
	receipts map[common.Hash]*types.Receipt
	polls    map[common.Hash]int

	pendingPolls int
	neverMine    bool
	down         error
	calls        int
	sent         []*types.Transaction
}

func newFakeNode(collection common.Address) *fakeNode {
	return &fakeNode{
		collection: collection,
		owners:     make(map[string]common.Address),
		approved:   make(map[string]common.Address),
		operators:  make(map[common.Address]map[common.Address]bool),
		balances:   make(map[common.Address]*big.Int),
		rejecting:  make(map[common.Address]bool),
		nonces:     make(map[common.Address]uint64),
		receipts:   make(map[common.Hash]*types.Receipt),
		polls:      make(map[common.Hash]int),
	}
}

func (n *fakeNode) mint(id int64, owner common.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.owners[big.NewInt(id).String()] = owner
}

func (n *fakeNode) approve(id int64, op common.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.approved[big.NewInt(id).String()] = op
}

func (n *fakeNode) setApprovalForAll(owner, op common.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.operators[owner] == nil {
		n.operators[owner] = make(map[common.Address]bool)
	}
	n.operators[owner][op] = true
}

func (n *fakeNode) ownerOf(id int64) common.Address {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.owners[big.NewInt(id).String()]
}

func (n *fakeNode) balance(addr common.Address) *big.Int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if b, ok := n.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (n *fakeNode) enter() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return n.down
}

func (n *fakeNode) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := n.enter(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if msg.To == nil || *msg.To != n.collection {
		return nil, nil
	}
	method, err := erc721.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "ownerOf":
		owner, ok := n.owners[args[0].(*big.Int).String()]
		if !ok {
			return nil, revertError{"ERC721: invalid token ID"}
		}
		return method.Outputs.Pack(owner)
	case "getApproved":
		return method.Outputs.Pack(n.approved[args[0].(*big.Int).String()])
	case "isApprovedForAll":
		owner, op := args[0].(common.Address), args[1].(common.Address)
		return method.Outputs.Pack(n.operators[owner][op])
	}
	return nil, fmt.Errorf("unsupported call %s", method.Name)
}

func (n *fakeNode) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	if err := n.enter(); err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nonces[account], nil
}

func (n *fakeNode) SuggestGasPrice(context.Context) (*big.Int, error) {
	if err := n.enter(); err != nil {
		return nil, err
	}
	return big.NewInt(1_000_000_000), nil
}

func (n *fakeNode) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	if err := n.enter(); err != nil {
		return 0, err
	}
	if len(msg.Data) == 0 {
		return 21000, nil
	}
	return 80000, nil
}

func (n *fakeNode) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if err := n.enter(); err != nil {
		return err
	}
	from, err := types.Sender(types.LatestSignerForChainID(testChainID), tx)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if tx.Nonce() != n.nonces[from] {
		return errors.New("nonce too low")
	}
	n.nonces[from]++
	n.sent = append(n.sent, tx)

	status := types.ReceiptStatusSuccessful
	if !n.apply(from, tx) {
		status = types.ReceiptStatusFailed
	}
	n.receipts[tx.Hash()] = &types.Receipt{Status: status, TxHash: tx.Hash()}
	return nil
}

// apply executes tx against the fake state. Caller must hold n.mu.
func (n *fakeNode) apply(from common.Address, tx *types.Transaction) bool {
	to := *tx.To()
	if len(tx.Data()) == 0 {
		if n.rejecting[to] {
			return false
		}
		prev, ok := n.balances[to]
		if !ok {
			prev = new(big.Int)
		}
		n.balances[to] = new(big.Int).Add(prev, tx.Value())
		return true
	}
	if to != n.collection {
		return false
	}

	method, err := erc721.MethodById(tx.Data()[:4])
	if err != nil || method.Name != "safeTransferFrom" {
		return false
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		return false
	}
	src, dst, id := args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int).String()
	owner := n.owners[id]
	if owner != src {
		return false
	}
	if from != owner && n.approved[id] != from && !n.operators[owner][from] {
		return false
	}
	n.owners[id] = dst
	delete(n.approved, id)
	return true
}

func (n *fakeNode) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := n.enter(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	r, ok := n.receipts[hash]
	if !ok || n.neverMine {
		return nil, ethereum.NotFound
	}
	if n.polls[hash] < n.pendingPolls {
		n.polls[hash]++
		return nil, ethereum.NotFound
	}
	return r, nil
}
