package workflow

import "encoding/json"

// Signal names accepted by the fulfillment sagas. Approve and cancel
// drive the manual review gate, update_address patches the shipping
// address, and dispatch_failed flows from a shipping child back to its
// parent order.
const (
	SignalApprove        = "approve"
	SignalCancel         = "cancel"
	SignalUpdateAddress  = "update_address"
	SignalDispatchFailed = "dispatch_failed"
)

// CancelPayload carries the optional reason attached to a cancel signal.
type CancelPayload struct {
	Reason string `json:"reason,omitempty"`
}

// AddressPayload carries a replacement shipping address.
type AddressPayload struct {
	Address json.RawMessage `json:"address"`
}

// DispatchFailedPayload is sent by a shipping child when a step fails
// past its retry budget.
type DispatchFailedPayload struct {
	Reason string `json:"reason"`
}
