// Package loadclient implements the load-generating client's control-channel
// session and timed-volley test engine, per spec §4.3: one long-lived
// TestPlan per controller session, grown by COUNT, exercised by TEST.
package loadclient
