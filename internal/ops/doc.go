// Package ops serves the relay's operational HTTP endpoints.
//
// Three routes are exposed:
//
//   - /health        liveness, always 200 while the process runs
//   - /health/ready  200 once every configured frontend is connected
//   - /status        JSON snapshot: version, uptime, frontend readiness,
//     live conversation count, and ledger totals
//
// The server binds a localhost TCP address by default. With Tailscale
// enabled it joins the tailnet as its own node via tsnet and listens there
// instead, so operators can reach the endpoints without exposing a local
// port.
package ops
