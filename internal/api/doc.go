// Package api hosts the control surface the external task facility uses to
// start, stop and inspect streams.
//
// Handlers delegate every lifecycle decision to the coordinator and only
// translate its sentinel errors into HTTP statuses. Starts are admitted
// synchronously and then continue in the background, so a start request
// returns as soon as the stream is claimed. Tokens issued by the external
// authorization system are stored through the injected TokenStore.
//
// Routes under /v1 require a bearer token when one is configured; /healthz
// and /metrics are unauthenticated.
package api
