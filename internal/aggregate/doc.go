// Package aggregate implements the fan-out aggregation route.
//
// A Route matches inbound requests whose path carries a comma-separated
// list of backend identifiers in place of the {Endpoint_IDs} placeholder,
// for example:
//
//	pattern:  /users/{Endpoint_IDs}/
//	request:  /users/1,2/profile?fields=name
//	targets:  http://1.example.com/profile?fields=name
//	          http://2.example.com/profile?fields=name
//
// Handling a request runs three stages in order:
//
//   - the Resolver maps identifiers to backend URLs through the Registry
//   - the Dispatcher sends every backend request concurrently and waits,
//     bounded by the route timeout, for each to answer or time out
//   - the Synthesizer turns the ordered slots into one response
//
// The Synthesizer picks the first matching shape: metadata (requested
// with the Proxy-Aggregator-Body: response-metadata header), single
// identifier passthrough, priority error, generic error, and finally the
// aggregated JSON array, which is answered with 504 when any backend did
// not respond.
package aggregate
