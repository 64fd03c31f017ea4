package p2p

import (
	"encoding/json"
	"time"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
)

// MessageType is the type of a peer message.
type MessageType string

// message types
const (
	Handshake      MessageType = "HANDSHAKE"
	HandshakeReply MessageType = "HANDSHAKE_REPLY"
	GetBlocks      MessageType = "GET_BLOCKS"
	Blocks         MessageType = "BLOCKS"
	NewBlock       MessageType = "NEW_BLOCK"
	NewTransaction MessageType = "NEW_TRANSACTION"
	GetPeers       MessageType = "GET_PEERS"
	Peers          MessageType = "PEERS"
	Ping           MessageType = "PING"
	Pong           MessageType = "PONG"
	NodeAnnounce   MessageType = "NODE_ANNOUNCE"
	SyncRequest    MessageType = "SYNC_REQUEST"
	SyncResponse   MessageType = "SYNC_RESPONSE"

	// light node messages
	GetHeaders     MessageType = "GET_HEADERS"
	Headers        MessageType = "HEADERS"
	NewBlockHeader MessageType = "NEW_BLOCK_HEADER"
	GetTxProof     MessageType = "GET_TX_PROOF"
	TxProof        MessageType = "TX_PROOF"
	TxConfirmed    MessageType = "TX_CONFIRMED"
	WatchAddress   MessageType = "WATCH_ADDRESS"
)

// Message is the envelope of every frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	NodeID    string          `json:"nodeId"`
	Timestamp int64           `json:"timestamp"`
}

func newMessage(t MessageType, nodeID string, data interface{}) (*Message, error) {
	m := &Message{
		Type:      t,
		NodeID:    nodeID,
		Timestamp: time.Now().UnixNano() / int64(time.Millisecond),
	}

	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		m.Data = b
	}
	return m, nil
}

// Decode unmarshals the message data into v.
func (m *Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Data, v)
}

// Capability is a service a node offers.
type Capability string

// capabilities
const (
	CapFull      Capability = "full"
	CapLight     Capability = "light"
	CapMiner     Capability = "miner"
	CapValidator Capability = "validator"
	CapRelay     Capability = "relay"
	CapArchive   Capability = "archive"
)

// HandshakeData is the payload of HANDSHAKE and HANDSHAKE_REPLY.
type HandshakeData struct {
	NodeID          string       `json:"nodeId"`
	ProtocolVersion string       `json:"protocolVersion"`
	SoftwareVersion string       `json:"softwareVersion"`
	Network         string       `json:"network"`
	Height          uint64       `json:"height"`
	TipHash         string       `json:"tipHash"`
	Capabilities    []Capability `json:"capabilities"`
	// ListenAddr is the address the node accepts peers on, empty
	// when it does not.
	ListenAddr string `json:"listenAddr,omitempty"`
}

// Has reports whether the capability is announced.
func (h *HandshakeData) Has(c Capability) bool {
	for _, v := range h.Capabilities {
		if v == c {
			return true
		}
	}
	return false
}

// GetBlocksData requests the blocks From to To inclusive.
type GetBlocksData struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// BlocksData answers GET_BLOCKS.
type BlocksData struct {
	Blocks []*ledger.Block `json:"blocks"`
	Height uint64          `json:"height"`
}

// NewBlockData announces a block.
type NewBlockData struct {
	Block  *ledger.Block `json:"block"`
	Height uint64        `json:"height"`
}

// NewTransactionData announces a transaction.
type NewTransactionData struct {
	Transaction *ledger.Transaction `json:"transaction"`
}

// GetPeersData requests at most Max peer addresses.
type GetPeersData struct {
	Max int `json:"max"`
}

// PeersData answers GET_PEERS.
type PeersData struct {
	Peers []string `json:"peers"`
}

// PingData is the payload of PING and PONG.
type PingData struct {
	SentAt int64 `json:"sentAt"`
}

// NodeAnnounceData advertises a node for discovery.
type NodeAnnounceData struct {
	NodeID       string       `json:"nodeId"`
	Address      string       `json:"address"`
	Height       uint64       `json:"height"`
	Capabilities []Capability `json:"capabilities"`
}

// SyncResponseData carries a full chain.
type SyncResponseData struct {
	Blocks []*ledger.Block `json:"blocks"`
}

// GetHeadersData requests at most Limit headers starting at From.
type GetHeadersData struct {
	From  uint64 `json:"from"`
	Limit int    `json:"limit"`
}

// HeadersData answers GET_HEADERS.
type HeadersData struct {
	Headers []ledger.Header `json:"headers"`
	Height  uint64          `json:"height"`
}

// NewBlockHeaderData announces a block to light nodes.
type NewBlockHeaderData struct {
	Header ledger.Header `json:"header"`
}

// GetTxProofData requests the inclusion proof of a transaction.
type GetTxProofData struct {
	ID string `json:"id"`
}

// TxProofData answers GET_TX_PROOF. Proof is nil when the
// transaction is not confirmed.
type TxProofData struct {
	ID    string                 `json:"id"`
	Proof *ledger.InclusionProof `json:"proof,omitempty"`
}

// WatchAddressData registers addresses a light node wants
// confirmations for.
type WatchAddressData struct {
	Addresses []string `json:"addresses"`
}

// TxConfirmedData notifies a light node of a confirmed transaction
// touching a watched address.
type TxConfirmedData struct {
	Address string                 `json:"address"`
	Proof   *ledger.InclusionProof `json:"proof"`
}
