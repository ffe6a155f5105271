package types

// BridgeState represents the different states a cross-chain transfer can be in
type BridgeState string

const (
	// BridgePending - Transfer record created, source-chain transaction not yet broadcast
	BridgePending BridgeState = "PENDING"

	// BridgeLocking - Source-chain lock/burn transaction broadcast, awaiting confirmation
	BridgeLocking BridgeState = "LOCKING"

	// BridgeLocked - Source-chain transaction confirmed, destination side not yet submitted
	BridgeLocked BridgeState = "LOCKED"

	// BridgeMinting - Destination-chain mint/release transaction broadcast, awaiting confirmation
	BridgeMinting BridgeState = "MINTING"

	// BridgeCompleted - Destination-chain transaction confirmed, transfer settled
	BridgeCompleted BridgeState = "COMPLETED"

	// BridgeFailed - Transfer failed irrecoverably on either side
	BridgeFailed BridgeState = "FAILED"

	// BridgeCancelled - Transfer cancelled before the source-chain transaction was broadcast
	BridgeCancelled BridgeState = "CANCELLED"
)

// IsTerminal reports whether no further state transition is possible.
func (s BridgeState) IsTerminal() bool {
	switch s {
	case BridgeCompleted, BridgeFailed, BridgeCancelled:
		return true
	}
	return false
}

// EscrowState represents the different states an escrow agreement can be in
type EscrowState string

const (
	// EscrowCreated - Deposit submitted, goods or services not yet delivered
	EscrowCreated EscrowState = "CREATED"

	// EscrowDelivered - Seller marked the agreement as delivered
	EscrowDelivered EscrowState = "DELIVERED"

	// EscrowReleased - Buyer released funds to the seller
	EscrowReleased EscrowState = "RELEASED"

	// EscrowRefunded - Funds returned to the buyer
	EscrowRefunded EscrowState = "REFUNDED"

	// EscrowDisputed - A party raised a dispute, awaiting arbitration
	EscrowDisputed EscrowState = "DISPUTED"

	// EscrowResolvedToSeller - Arbitrator resolved the dispute in favour of the seller
	EscrowResolvedToSeller EscrowState = "RESOLVED_TO_SELLER"

	// EscrowResolvedToBuyer - Arbitrator resolved the dispute in favour of the buyer
	EscrowResolvedToBuyer EscrowState = "RESOLVED_TO_BUYER"
)

// IsTerminal reports whether the escrow can no longer change state.
func (s EscrowState) IsTerminal() bool {
	switch s {
	case EscrowReleased, EscrowRefunded, EscrowResolvedToSeller, EscrowResolvedToBuyer:
		return true
	}
	return false
}

// TxKind classifies an outgoing transaction. The set is closed; switches over
// it are expected to be exhaustive.
type TxKind string

const (
	KindTransfer TxKind = "transfer"
	KindSwap     TxKind = "swap"
	KindApprove  TxKind = "approve"
	KindContract TxKind = "contract"
	KindBridge   TxKind = "bridge"
	KindNFT      TxKind = "nft"
)

// Valid reports whether the kind is one of the supported values.
func (k TxKind) Valid() bool {
	switch k {
	case KindTransfer, KindSwap, KindApprove, KindContract, KindBridge, KindNFT:
		return true
	}
	return false
}

// PendingStatus tracks a ledger entry relative to the chain.
type PendingStatus string

const (
	// PendingActive - Broadcast, not yet confirmed or replaced
	PendingActive PendingStatus = "ACTIVE"

	// PendingSuperseded - Replaced by a same-nonce transaction with a higher price
	PendingSuperseded PendingStatus = "SUPERSEDED"

	// PendingConfirmed - Observed as mined on chain
	PendingConfirmed PendingStatus = "CONFIRMED"
)

// BridgeProtocol selects the settlement mechanism for a transfer.
type BridgeProtocol string

const (
	// ProtocolLockMint - Asset locked on the source chain, representation minted on the destination
	ProtocolLockMint BridgeProtocol = "lock_mint"

	// ProtocolBurnRelease - Representation burned on the source chain, original released on the destination
	ProtocolBurnRelease BridgeProtocol = "burn_release"
)

// Valid reports whether the protocol is one of the supported values.
func (p BridgeProtocol) Valid() bool {
	switch p {
	case ProtocolLockMint, ProtocolBurnRelease:
		return true
	}
	return false
}

// Speed selects a fee tier when estimating gas prices.
type Speed string

const (
	SpeedSlow     Speed = "slow"
	SpeedStandard Speed = "standard"
	SpeedFast     Speed = "fast"
)

// PaymentType distinguishes native-asset escrows from token escrows.
type PaymentType string

const (
	PaymentNative PaymentType = "native"
	PaymentToken  PaymentType = "token"
)

// RefundPolicy pins down which party may trigger an escrow refund. It is
// fixed per instance at creation time.
type RefundPolicy string

const (
	// RefundBuyerOnly - Only the buyer may refund
	RefundBuyerOnly RefundPolicy = "buyer_only"

	// RefundEitherParty - Buyer or seller may refund
	RefundEitherParty RefundPolicy = "either_party"
)

// EscrowAction is a requested escrow state transition.
type EscrowAction string

const (
	// ActionCreate is recorded in the event log when the deposit lands; it is
	// not a requestable transition.
	ActionCreate EscrowAction = "create"

	ActionMarkDelivered   EscrowAction = "mark_delivered"
	ActionRelease         EscrowAction = "release"
	ActionRefund          EscrowAction = "refund"
	ActionDispute         EscrowAction = "dispute"
	ActionResolveToSeller EscrowAction = "resolve_to_seller"
	ActionResolveToBuyer  EscrowAction = "resolve_to_buyer"
)

// Valid reports whether the action is one of the supported values.
func (a EscrowAction) Valid() bool {
	switch a {
	case ActionMarkDelivered, ActionRelease, ActionRefund, ActionDispute,
		ActionResolveToSeller, ActionResolveToBuyer:
		return true
	}
	return false
}
