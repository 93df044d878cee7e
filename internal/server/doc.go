// Package server is the researcher-side HTTP API behind `labrun serve`.
//
//	GET  /healthz              liveness
//	GET  /metrics              Prometheus metrics
//	GET  /api/data/*path       read a mirrored document; ?default= seeds a missing one
//	PUT  /api/data/*path       write a document (.json, .csv, or raw text)
//	GET  /api/token            the stored recruitment token
//	POST /api/token            store the recruitment token
//	ANY  /api/prolific/*slug   proxy to the recruitment platform (X-Prolific-Token)
//
// Data paths are confined to the data root; escaping it is a 400.
package server
