// Package stats keeps the runtime counters of the server.
//
// A Registry holds three Blocks: current, mutated by workers; last period,
// archived by each rotation; and cumulative, the sum of all archived periods.
// Rotation walks the counters one field at a time, so a record racing with it
// may be counted on either side for that field.
//
// ControlHandler exposes the registry to operators over UDP and Publisher
// pushes each archived period to an MQTT broker.
package stats
