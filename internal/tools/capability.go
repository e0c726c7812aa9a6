package tools

import (
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/dyike/tradeflow/internal/dataflows"
)

// Bucket decides how long a cached result stays addressable.
type Bucket int

const (
	// BucketDay keys results by the as-of trading day.
	BucketDay Bucket = iota
	// BucketHour keys results by the as-of trading day and the current hour.
	BucketHour
)

func (b Bucket) String() string {
	if b == BucketHour {
		return "hour"
	}
	return "day"
}

// Capability is one named tool the gateway can resolve.
type Capability struct {
	Name        string
	Description string
	// Provider groups capabilities under one concurrency ceiling and rate limit.
	Provider string
	Params   map[string]*schema.ParameterInfo
	Bucket   Bucket
	TTL      time.Duration
	Fetch    dataflows.FetchFunc
}

func (c Capability) ToolInfo() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name:        c.Name,
		Desc:        c.Description,
		ParamsOneOf: schema.NewParamsOneOfByParams(c.Params),
	}
}
