package registry

import (
	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentOps-Ledger/internal/errors"
)

// Agent is a registered actor. Records are never deleted; deactivation via
// the Active flag is the only removal.
type Agent struct {
	ID                uint64         `json:"id"`
	Owner             common.Address `json:"owner"`
	MetadataHash      string         `json:"metadata_hash"`
	Active            bool           `json:"active"`
	RegistrationTime  int64          `json:"registration_time"`
	TotalStaked       uint64         `json:"total_staked"`
	ReputationScore   uint64         `json:"reputation_score"`
	RoyaltyPercentage uint64         `json:"royalty_percentage"`
	WorkflowHash      string         `json:"workflow_hash"`
	LLMDetailsHash    string         `json:"llm_details_hash"`
	DataSourceHash    string         `json:"data_source_hash"`
}

// ActivityLogEntry is one append-only audit line for an agent. Entries are
// immutable once appended and ordered by insertion.
type ActivityLogEntry struct {
	Timestamp    int64  `json:"timestamp"`
	ActivityType string `json:"activity_type"`
	ActivityData string `json:"activity_data"`
}

// Event names emitted by the registry.
const (
	EventAgentRegistered    = "agent_registered"
	EventMetadataUpdated    = "agent_metadata_updated"
	EventAgentDeactivated   = "agent_deactivated"
	EventAgentReactivated   = "agent_reactivated"
	EventInstanceCreated    = "agent_instance_created"
	EventRoyaltySet         = "agent_royalty_set"
	EventReputationUpdated  = "agent_reputation_updated"
	EventRoyaltyDistributed = "agent_royalty_distributed"
	EventActivityLogged     = "agent_activity_logged"
)

var (
	// ErrAgentNotFound 表示指定的智能体不存在。
	ErrAgentNotFound = xerrors.New(xerrors.CodeNotFound, "agent not found")
	// ErrAgentInactive 表示操作要求智能体处于激活状态。
	ErrAgentInactive = xerrors.New(xerrors.CodeAgentInactive, "")
)

// maxPercentage 是声誉与分成比例共用的上限。
const maxPercentage = 100
