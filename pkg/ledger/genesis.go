package ledger

const (
	genesisTimestamp int64 = 1735689600000
	genesisSeed            = "vibecoin development genesis key"

	// GenesisSupply is the amount issued to the genesis address.
	GenesisSupply = 1000000 * Coin
)

var (
	genesisKey   = KeyFromSeed(genesisSeed)
	genesisBlock = makeGenesis()
)

func makeGenesis() *Block {
	txn := NewTransaction(GenesisSender, genesisKey.Address(), GenesisSupply, 0, genesisTimestamp, "Proof of Vibe genesis")
	b := &Block{
		Index:         0,
		Timestamp:     genesisTimestamp,
		Transactions:  []Transaction{*txn},
		PreviousHash:  "0",
		ConsensusType: ProofOfWork,
		Miner:         GenesisSender,
	}
	b.MerkleRoot = MerkleRoot(b.Transactions)
	b.Hash = b.ComputeHash()
	return b
}

// Genesis returns a copy of the hardcoded genesis block.
func Genesis() *Block {
	return genesisBlock.Clone()
}

// GenesisHash returns the hash of the genesis block.
func GenesisHash() string {
	return genesisBlock.Hash
}

// GenesisAddress returns the address holding the genesis supply.
func GenesisAddress() string {
	return genesisKey.Address()
}

// DevGenesisKey returns the key of the genesis address. The key is
// derived from a public seed and is only meant for development
// networks and tests.
func DevGenesisKey() *Key {
	return genesisKey
}

// Clone returns a deep copy of the block.
func (b *Block) Clone() *Block {
	c := *b
	c.Transactions = make([]Transaction, len(b.Transactions))
	copy(c.Transactions, b.Transactions)
	return &c
}
