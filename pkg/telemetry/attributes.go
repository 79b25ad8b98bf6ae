package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Standard span attribute keys for DFM request, node, cache and adapter
// spans.
const (
	AttrRequestID   = "dfm.request_id"
	AttrNodeID      = "dfm.node_id"
	AttrAPIClass    = "dfm.api_class"
	AttrProvider    = "dfm.provider"
	AttrFingerprint = "dfm.fingerprint"

	AttrPipelineNodes   = "dfm.pipeline.nodes"
	AttrPipelineOutputs = "dfm.pipeline.outputs"

	AttrCacheHit = "dfm.cache.hit"

	AttrAdapterClass = "dfm.adapter_class"
	AttrRetryCount   = "dfm.retry_count"
)

// RequestAttributes returns the attributes identifying a given request.
func RequestAttributes(requestID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRequestID, requestID),
	}
}

// NodeAttributes returns the attributes describing one node's execution.
func NodeAttributes(requestID, nodeID, apiClass, provider string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRequestID, requestID),
		attribute.String(AttrNodeID, nodeID),
		attribute.String(AttrAPIClass, apiClass),
		attribute.String(AttrProvider, provider),
	}
}

// PipelineAttributes returns the attributes describing a submitted
// pipeline.
func PipelineAttributes(nodeCount, outputCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrPipelineNodes, nodeCount),
		attribute.Int(AttrPipelineOutputs, outputCount),
	}
}

// CacheAttributes returns the attributes describing a cache lookup.
func CacheAttributes(fingerprint string, hit bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrFingerprint, fingerprint),
		attribute.Bool(AttrCacheHit, hit),
	}
}

// AdapterAttributes returns the attributes describing an adapter
// invocation.
func AdapterAttributes(adapterClass string, retryCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrAdapterClass, adapterClass),
		attribute.Int(AttrRetryCount, retryCount),
	}
}
