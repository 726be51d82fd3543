/*
Package middleware holds request-scoped context shared by the HTTP surface
and the components it calls.

# Request ID (requestid.go)

RequestIDMiddleware assigns each request an ID and adds it to:
  - The request context (accessible via GetRequestID)
  - The X-Request-ID response header

Components that outlive the request, such as the turn recorder, copy the ID
onto their own contexts so persistence logs can be joined with request logs.

The remaining middleware (logging, timeout, rate limiting) lives in the
server package because only the HTTP server uses it.
*/
package middleware
