package testutil

import (
	"encoding/json"
	"fmt"

	"github.com/rankhive/orchestrator/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest
// values for tests.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a JobRequestBuilder with sensible defaults.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			ScopeID:        "scope-1",
			Type:           model.JobTypeOnboard,
			IdempotencyKey: "key-1",
			Seeds: []model.ItemSeed{
				{ItemKey: "campaign-1", Payload: json.RawMessage(`{"domain":"example.com"}`)},
			},
		},
	}
}

// WithScope sets the scope ID.
func (b *JobRequestBuilder) WithScope(scopeID string) *JobRequestBuilder {
	b.req.ScopeID = scopeID
	return b
}

// WithType sets the job type.
func (b *JobRequestBuilder) WithType(jobType model.JobType) *JobRequestBuilder {
	b.req.Type = jobType
	return b
}

// WithKey sets the idempotency key.
func (b *JobRequestBuilder) WithKey(key string) *JobRequestBuilder {
	b.req.IdempotencyKey = key
	return b
}

// WithSeeds replaces the item seeds.
func (b *JobRequestBuilder) WithSeeds(seeds ...model.ItemSeed) *JobRequestBuilder {
	b.req.Seeds = seeds
	return b
}

// WithItemCount replaces the seeds with n generated campaign items.
func (b *JobRequestBuilder) WithItemCount(n int) *JobRequestBuilder {
	seeds := make([]model.ItemSeed, 0, n)
	for i := 0; i < n; i++ {
		seeds = append(seeds, model.ItemSeed{
			ItemKey: fmt.Sprintf("campaign-%d", i+1),
			Payload: json.RawMessage(fmt.Sprintf(`{"domain":"example-%d.com"}`, i+1)),
		})
	}
	b.req.Seeds = seeds
	return b
}

// Build returns the constructed request.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

// ExecutionRequestBuilder provides a fluent interface for building
// CreateExecutionRequest values for tests.
type ExecutionRequestBuilder struct {
	req *model.CreateExecutionRequest
}

// NewExecutionRequest creates an ExecutionRequestBuilder with sensible defaults.
func NewExecutionRequest() *ExecutionRequestBuilder {
	return &ExecutionRequestBuilder{
		req: &model.CreateExecutionRequest{
			ScopeID:            "scope-1",
			OperationType:      "score",
			IdempotencyKey:     "exec-key-1",
			InputHash:          "a1b2c3",
			VersionFingerprint: "v1",
		},
	}
}

// WithScope sets the scope ID.
func (b *ExecutionRequestBuilder) WithScope(scopeID string) *ExecutionRequestBuilder {
	b.req.ScopeID = scopeID
	return b
}

// WithOperation sets the operation type.
func (b *ExecutionRequestBuilder) WithOperation(op string) *ExecutionRequestBuilder {
	b.req.OperationType = op
	return b
}

// WithKey sets the idempotency key.
func (b *ExecutionRequestBuilder) WithKey(key string) *ExecutionRequestBuilder {
	b.req.IdempotencyKey = key
	return b
}

// WithHashes sets the input hash and version fingerprint.
func (b *ExecutionRequestBuilder) WithHashes(inputHash, fingerprint string) *ExecutionRequestBuilder {
	b.req.InputHash = inputHash
	b.req.VersionFingerprint = fingerprint
	return b
}

// Build returns the constructed request.
func (b *ExecutionRequestBuilder) Build() *model.CreateExecutionRequest {
	return b.req
}
