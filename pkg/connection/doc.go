// Package connection supervises the single long lived node connection.
//
// The Supervisor owns the transport session and its state machine:
//
//	Disconnected --Connect--> Connecting --ok--> Connected
//	Connected --probe failure--> Degraded --probe ok--> Connected
//	Connected/Degraded --drop--> Disconnected --policy--> Reconnecting
//	Reconnecting --ok--> Connected
//	Reconnecting --attempts exhausted--> Disconnected (manual Reconnect required)
//	any --Shutdown--> ShuttingDown
//
// Unplanned drops are retried with exponential backoff (Backoff). A
// heartbeat probes the node on every connected session and forces an
// immediate reconnect when a failed probe is not followed by a successful
// one within the heartbeat timeout. Error recovery counts transport errors
// and, past a threshold, suspends subscriptions for a cooldown before
// forcing a fresh connection.
//
// The supervisor knows nothing about subscriptions; callers plug in through
// Hooks.
package connection
