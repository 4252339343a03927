// Package banlist decides which senders are dropped before any processing.
//
// Hosts come from configuration, from Ban calls, or from the flood guard,
// which bans a host that exceeds any of its configured rates.
package banlist
