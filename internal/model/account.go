package model

// AggregateDelta is a signed change to one container's contribution to its
// account. Sequence increases monotonically per container so the account
// tier can drop duplicate deliveries. Base is the container total the
// sender believes the account tier holds; the delta only applies on top of
// exactly that total.
type AggregateDelta struct {
	Account   string         `json:"account"`
	Container string         `json:"container"`
	Sequence  uint64         `json:"sequence"`
	Base      ContainerStats `json:"base"`
	Delta     ContainerStats `json:"delta"`
	CreatedAt Timestamp      `json:"created_at"`
}

func (d *AggregateDelta) Ref() ContainerRef {
	return ContainerRef{Account: d.Account, Container: d.Container}
}

// DeltaOutcome is what the account tier did with a delta.
type DeltaOutcome int

const (
	DeltaApplied DeltaOutcome = iota
	// DeltaDuplicate means the sequence was not above the container's
	// high-water mark.
	DeltaDuplicate
	// DeltaRebased means the container total no longer matched the delta's
	// base. Nothing was applied; the sender recomputes against Current.
	DeltaRebased
)

func (o DeltaOutcome) String() string {
	switch o {
	case DeltaApplied:
		return "applied"
	case DeltaDuplicate:
		return "duplicate"
	default:
		return "rebased"
	}
}

// DeltaResult is the account tier's answer to a delta: the outcome plus the
// container total and sequence high-water mark after it.
type DeltaResult struct {
	Outcome  DeltaOutcome   `json:"outcome"`
	Current  ContainerStats `json:"current"`
	Sequence uint64         `json:"sequence"`
}

// AccountAggregate is the account tier's view of an account.
type AccountAggregate struct {
	Account        string                    `json:"account"`
	ContainerCount int                       `json:"container_count"`
	ObjectCount    int64                     `json:"object_count"`
	BytesUsed      int64                     `json:"bytes_used"`
	Containers     map[string]ContainerStats `json:"containers,omitempty"`
}

// ReportState tracks what one container replica has already pushed to the
// account tier.
type ReportState struct {
	Reported     ContainerStats  `json:"reported"`
	LastSequence uint64          `json:"last_sequence"`
	Pending      *AggregateDelta `json:"pending,omitempty"`
}
