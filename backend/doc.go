// Package backend is the REST client used to poll the facilities backend.
//
// Every request is a GET of a backend-relative path on a fixed host and port,
// authenticated with a bearer token. The backend serves a self-signed
// certificate, so TLS verification is disabled unless configured otherwise.
// Requests are bounded by a total timeout and are never retried here;
// retrying is the caller's concern.
package backend
