package aggregates

// WriteTxOwnership says who opens the transaction around a write.
type WriteTxOwnership string

const (
	// WriteTxOwnedByAggregate means write methods begin and commit their own transaction.
	WriteTxOwnedByAggregate WriteTxOwnership = "aggregate_owned"
	// WriteTxJoinable means the aggregate joins a caller supplied transaction when one is present.
	WriteTxJoinable WriteTxOwnership = "joinable"
)

// ReadPolicy says which reads an aggregate may serve.
type ReadPolicy string

const (
	// ReadPolicyInvariantScoped allows only reads needed for invariant decisions in write flows.
	ReadPolicyInvariantScoped ReadPolicy = "invariant_scoped_reads"
	// ReadPolicyTableRepoQueries keeps listing and summary queries on table repos.
	ReadPolicyTableRepoQueries ReadPolicy = "table_repo_queries"
)

type Contract struct {
	Name             string
	WriteTxOwnership WriteTxOwnership
	ReadPolicy       ReadPolicy
	Notes            string
}

type Aggregate interface {
	Contract() Contract
}

// RunLifecycleContract covers every run status change: API cancels, ingested
// engine events and reconciler corrections all go through it.
var RunLifecycleContract = Contract{
	Name:             "run_lifecycle",
	WriteTxOwnership: WriteTxJoinable,
	ReadPolicy:       ReadPolicyInvariantScoped,
	Notes:            "status changes are validated against the state machine under a row lock; timestamps are only stamped once",
}

func (c Contract) RequiresAggregateOwnedTx() bool {
	return c.WriteTxOwnership == WriteTxOwnedByAggregate
}
