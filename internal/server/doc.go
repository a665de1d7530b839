// Package server hosts the Fiber HTTP service, the request-ID middleware and
// the shared upstream HTTP client. Every request outside /-/ is handed to the
// injected ProxyHandler.
package server
