// Package gateway assembles the fan-out gateway: the data-plane listener
// serving the aggregation routes, the admin listener serving probes and
// metrics, and hot reload of the route table.
//
// Requests on the data plane pass through recovery, request ID, tracing,
// access logging and rate limiting before the route table hands them to
// the first aggregation route whose template matches. Unmatched requests
// get a JSON 404.
package gateway
