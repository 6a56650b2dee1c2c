package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

// InstructionKind names an operation a manifest may invoke.
type InstructionKind string

const (
	InstructionAddFunds             InstructionKind = "add_funds"
	InstructionWithdrawFunds        InstructionKind = "withdraw_funds"
	InstructionPartialWithdraw      InstructionKind = "partial_withdraw"
	InstructionGetLoan              InstructionKind = "get_loan"
	InstructionReturnLoan           InstructionKind = "return_loan"
	InstructionTransfer             InstructionKind = "transfer"
	InstructionTransferPosition     InstructionKind = "transfer_position"
	InstructionSetBorrowerFee       InstructionKind = "set_borrower_fee"
	InstructionSetLenderRewards     InstructionKind = "set_lender_rewards"
	InstructionWithdrawOwnerRewards InstructionKind = "withdraw_owner_rewards"
	InstructionDistributeRewards    InstructionKind = "distribute_rewards"
)

// Role is a capability granted to a caller by the authorisation layer.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleTreasurer Role = "treasurer"
	RoleBot       Role = "bot"
)

// RequiredRole returns the role needed to run the instruction, or "" for
// public instructions.
func (k InstructionKind) RequiredRole() Role {
	switch k {
	case InstructionSetBorrowerFee, InstructionSetLenderRewards:
		return RoleAdmin
	case InstructionWithdrawOwnerRewards:
		return RoleTreasurer
	case InstructionDistributeRewards:
		return RoleBot
	default:
		return ""
	}
}

// Valid reports whether k is a known instruction.
func (k InstructionKind) Valid() bool {
	switch k {
	case InstructionAddFunds, InstructionWithdrawFunds, InstructionPartialWithdraw,
		InstructionGetLoan, InstructionReturnLoan, InstructionTransfer,
		InstructionTransferPosition, InstructionSetBorrowerFee, InstructionSetLenderRewards,
		InstructionWithdrawOwnerRewards, InstructionDistributeRewards:
		return true
	default:
		return false
	}
}

// Instruction is one step of a manifest. Which fields are read depends on
// Kind; amounts and percentages are decimal strings.
type Instruction struct {
	Kind       InstructionKind `json:"kind"`
	Amount     string          `json:"amount,omitempty"`
	Percentage string          `json:"percentage,omitempty"`
	Positions  []uint64        `json:"positions,omitempty"`
	Label      string          `json:"label,omitempty"`
	To         string          `json:"to,omitempty"`
}

// Manifest is a top-level operation: its instructions run in order and
// either all take effect or none do.
type Manifest struct {
	Instructions []Instruction `json:"instructions"`
}

// MaxInstructions bounds the size of a single manifest.
const MaxInstructions = 64

// Validate performs the structural checks that do not need state.
func (m *Manifest) Validate() error {
	if m == nil || len(m.Instructions) == 0 {
		return fmt.Errorf("manifest: no instructions")
	}
	if len(m.Instructions) > MaxInstructions {
		return fmt.Errorf("manifest: %d instructions exceeds limit %d", len(m.Instructions), MaxInstructions)
	}
	for i, ins := range m.Instructions {
		if !ins.Kind.Valid() {
			return fmt.Errorf("manifest: instruction %d: unknown kind %q", i, ins.Kind)
		}
		switch ins.Kind {
		case InstructionGetLoan, InstructionReturnLoan:
			if strings.TrimSpace(ins.Label) == "" {
				return fmt.Errorf("manifest: instruction %d: %s requires a label", i, ins.Kind)
			}
		case InstructionWithdrawFunds, InstructionPartialWithdraw, InstructionTransferPosition:
			if len(ins.Positions) == 0 {
				return fmt.Errorf("manifest: instruction %d: %s requires positions", i, ins.Kind)
			}
		}
	}
	return nil
}

// Output records what an instruction produced.
type Output struct {
	Index         int             `json:"index"`
	Kind          InstructionKind `json:"kind"`
	Amount        string          `json:"amount,omitempty"`
	Positions     []uint64        `json:"positions,omitempty"`
	Obligation    uint64          `json:"obligation,omitempty"`
	RewardPerCoin string          `json:"rewardPerCoin,omitempty"`
}

// Receipt summarises a committed manifest.
type Receipt struct {
	ID      string   `json:"id"`
	Caller  string   `json:"caller"`
	Outputs []Output `json:"outputs"`
	Events  []Event  `json:"events"`
	Digest  string   `json:"digest"`
}

// EventDigest returns the hex blake3 hash of the canonical JSON encoding of
// events.
func EventDigest(events []Event) (string, error) {
	encoded, err := json.Marshal(events)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
