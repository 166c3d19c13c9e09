package gateway

import (
	"github.com/goliatone/go-graph-gateway/client"
	"github.com/goliatone/go-graph-gateway/core"
	"github.com/goliatone/go-graph-gateway/graph"
)

type Config = core.Config

type Credential = core.Credential
type TokenType = core.TokenType
type TokenStore = core.TokenStore
type EventStore = core.EventStore
type WebhookEvent = core.WebhookEvent
type Failure = core.Failure
type FailureKind = core.FailureKind

type Request = client.Request
type Response = client.Response
type RetryPolicy = client.RetryPolicy

type BatchOperation = graph.BatchOperation
type BatchResult = graph.BatchResult
type Page = graph.Page

var (
	AsFailure        = core.AsFailure
	IsFailureKind    = core.IsFailureKind
	PolicyFromConfig = client.PolicyFromConfig
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}
