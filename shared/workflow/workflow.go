package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidTransition = errors.New("invalid status transition")

const (
	ContractToBeConfirmed = "to_be_confirmed"
	ContractConfirmed     = "confirmed"
	ContractActive        = "active"
	ContractCompleted     = "completed"
	ContractCancelled     = "cancelled"
)

const (
	ContractEventCreated   = "contract_created"
	ContractEventConfirmed = "contract_confirmed"
	ContractEventCheckedIn = "contract_checked_in"
	ContractEventCompleted = "contract_completed"
	ContractEventCancelled = "contract_cancelled"
	// Modifications keep the status and are not table edges.
	ContractEventModified = "contract_modified"
)

const (
	AccidentReported           = "reported"
	AccidentUnderInvestigation = "under_investigation"
	AccidentRepairApproved     = "repair_approved"
	AccidentUnderRepair        = "under_repair"
	AccidentRepaired           = "repaired"
)

const (
	AccidentEventInvestigating  = "accident_investigating"
	AccidentEventRepairApproved = "accident_repair_approved"
	AccidentEventRepairStarted  = "accident_repair_started"
	AccidentEventRepaired       = "accident_repaired"
)

// Machine is a from -> to -> event table. Anything not listed is rejected.
type Machine struct {
	name        string
	transitions map[string]map[string]string
}

var Contracts = Machine{
	name: "contract",
	transitions: map[string]map[string]string{
		ContractToBeConfirmed: {
			ContractConfirmed: ContractEventConfirmed,
			ContractCancelled: ContractEventCancelled,
		},
		ContractConfirmed: {
			ContractActive:    ContractEventCheckedIn,
			ContractCancelled: ContractEventCancelled,
		},
		ContractActive: {
			ContractCompleted: ContractEventCompleted,
		},
	},
}

var Accidents = Machine{
	name: "accident",
	transitions: map[string]map[string]string{
		AccidentReported: {
			AccidentUnderInvestigation: AccidentEventInvestigating,
			AccidentRepairApproved:     AccidentEventRepairApproved,
		},
		AccidentUnderInvestigation: {
			AccidentRepairApproved: AccidentEventRepairApproved,
		},
		AccidentRepairApproved: {
			AccidentUnderRepair: AccidentEventRepairStarted,
		},
		AccidentUnderRepair: {
			AccidentRepaired: AccidentEventRepaired,
		},
	},
}

func Normalize(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

// CanTransition reports whether from -> to is a listed edge. Self-transitions
// are not edges; callers treat them as replays.
func (m Machine) CanTransition(from string, to string) bool {
	_, ok := m.transitions[Normalize(from)][Normalize(to)]
	return ok
}

// Check returns the event type for the edge or an ErrInvalidTransition.
func (m Machine) Check(from string, to string) (string, error) {
	ev, ok := m.transitions[Normalize(from)][Normalize(to)]
	if !ok {
		return "", fmt.Errorf("%s %s -> %s: %w", m.name, Normalize(from), Normalize(to), ErrInvalidTransition)
	}
	return ev, nil
}

func (m Machine) Terminal(status string) bool {
	return len(m.transitions[Normalize(status)]) == 0
}

// CanDeleteContract allows a hard delete only before confirmation. Anything
// confirmed or later must go through cancellation and refund.
func CanDeleteContract(status string) bool {
	return Normalize(status) == ContractToBeConfirmed
}

// BlocksVehicle reports whether a contract in status holds its vehicle's window.
func BlocksVehicle(status string) bool {
	switch Normalize(status) {
	case ContractConfirmed, ContractActive:
		return true
	}
	return false
}

func AllContractStatuses() []string {
	return []string{
		ContractToBeConfirmed,
		ContractConfirmed,
		ContractActive,
		ContractCompleted,
		ContractCancelled,
	}
}

func AllAccidentStatuses() []string {
	return []string{
		AccidentReported,
		AccidentUnderInvestigation,
		AccidentRepairApproved,
		AccidentUnderRepair,
		AccidentRepaired,
	}
}
