package observability

const (
	AttrConnectorID      = "pfs.connector.id"
	AttrAgentID          = "pfs.agent.id"
	AttrRPCMethod        = "pfs.rpc.method"
	AttrSessionID        = "pfs.session.id"
	AttrClientID         = "pfs.client.id"
	AttrErrorType        = "error.type"
	AttrHTTPMethod       = "http.method"
	AttrHTTPPath         = "http.path"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"

	SpanHTTPRequest = "gateway.request"
	SpanToolCall    = "mcp.tool_call"
	SpanA2ACall     = "a2a.call"
	SpanQueueWait   = "queue.wait"

	DefaultServiceName  = "pfs"
	DefaultSamplingRate = 1.0
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultMetricsPath  = "/metrics"
)
